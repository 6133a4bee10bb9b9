// Package vision defines the Provider interface for multimodal vision-language
// model backends.
//
// A vision provider wraps a chat-completion style API that accepts a text
// instruction together with one inline image and answers with plain text.
// The model identifier is supplied per call rather than at construction time
// so that a single provider can serve a chain of alternate models hosted on the
// same endpoint.
//
// Implementors must be safe for concurrent use.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Request carries everything the model needs for one inference.
type Request struct {
	// Prompt is the instruction text, typically a system prompt followed by the
	// user's transcribed question.
	Prompt string

	// Image is the inline image sent alongside Prompt. A zero Image means the
	// request is text only.
	Image Image

	// Temperature controls output randomness. Zero requests the provider
	// default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Image is a base64-encoded image with its MIME type.
type Image struct {
	// Base64 is the standard base64 encoding of the raw image bytes.
	Base64 string

	// MIMEType is the media type, e.g. "image/jpeg".
	MIMEType string
}

// IsZero reports whether img carries no data.
func (img Image) IsZero() bool { return img.Base64 == "" }

// DataURL returns img as a data URL suitable for the image_url field of
// OpenAI-compatible chat APIs.
func (img Image) DataURL() string {
	mt := img.MIMEType
	if mt == "" {
		mt = "image/jpeg"
	}
	return "data:" + mt + ";base64," + img.Base64
}

// Provider is the abstraction over any vision-language backend.
type Provider interface {
	// Infer sends req to the model identified by model and returns the reply
	// text. Any failure (auth, quota, unknown model, malformed response) is
	// returned as an error; implementations must not return an empty reply
	// with a nil error.
	Infer(ctx context.Context, model string, req Request) (string, error)
}

// Analyzer answers a request with a caller-preferred model, possibly trying
// alternates when that model fails.
type Analyzer interface {
	Analyze(ctx context.Context, model string, req Request) (string, error)
}

// EncodeImage reads the file at path and returns it base64-encoded. The MIME
// type is taken from the file extension, falling back to content sniffing.
// A missing file yields an error wrapping [os.ErrNotExist].
func EncodeImage(path string) (Image, error) {
	if path == "" {
		return Image{}, fmt.Errorf("vision: encode image: %w", os.ErrNotExist)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("vision: encode image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, errors.New("vision: encode image: file is empty")
	}
	return Image{
		Base64:   base64.StdEncoding.EncodeToString(data),
		MIMEType: detectMIME(path, data),
	}, nil
}

func detectMIME(path string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(mt, "image/") {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	if mt := http.DetectContentType(data); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "image/jpeg"
}
