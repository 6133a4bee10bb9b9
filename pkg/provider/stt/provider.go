// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Groq or OpenAI Whisper,
// or a local whisper.cpp server) and turns one recorded audio file into text.
// Recognition settings such as language and model are fixed at construction
// time so that providers are interchangeable in a fallback chain.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyTranscript is returned when the backend answered successfully but
// recognised no speech.
var ErrEmptyTranscript = errors.New("stt: empty transcript")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe reads the audio file at audioPath and returns the recognised
	// text with surrounding whitespace removed. Container formats accepted
	// depend on the backend; webm, ogg, mp3 and wav are widely supported.
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
