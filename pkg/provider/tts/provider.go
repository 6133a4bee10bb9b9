// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Google
// Translate TTS, or a local Coqui server) and presents one uniform shape:
// synthesise a piece of text into an audio file at a caller-chosen path and
// return that path. Provider-specific knobs (voice, model, output encoding) are
// fixed at construction time so that different engines are interchangeable in a
// fallback chain.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrEmptyAudio is returned by [ValidateOutput] when the synthesised file
// exists but contains no data.
var ErrEmptyAudio = errors.New("tts: synthesised audio file is empty")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to speech and writes the encoded audio to
	// outputPath, creating or truncating the file. It returns the path that was
	// written, which is normally outputPath itself.
	//
	// Returns an error if synthesis fails for any reason (credentials, quota,
	// network, malformed response). Implementations should not leave a partial
	// file behind on error, but callers must not rely on that; see
	// [ValidateOutput].
	Synthesize(ctx context.Context, text, outputPath string) (string, error)
}

// ValidateOutput checks that path names an existing, non-empty regular file.
// A missing file yields an error wrapping [os.ErrNotExist]; a zero-byte file
// yields [ErrEmptyAudio].
func ValidateOutput(path string) error {
	if path == "" {
		return fmt.Errorf("tts: validate output: %w", os.ErrNotExist)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("tts: validate output: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("tts: validate output: %q is a directory", path)
	}
	if info.Size() == 0 {
		return ErrEmptyAudio
	}
	return nil
}

// WriteFile writes data to path the way every provider in this module persists
// audio: the file is created with mode 0o644 and removed again if the write
// fails part-way.
func WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
