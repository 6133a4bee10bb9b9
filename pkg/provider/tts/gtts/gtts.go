// Package gtts provides a basic TTS provider backed by the public Google
// Translate text-to-speech endpoint, the same service used by the Python gTTS
// library. It implements the tts.Provider interface.
//
// The endpoint accepts at most ~100 characters per request, so the text is split
// into word-aligned chunks and the returned MP3 segments are concatenated. MP3
// frames are self-delimiting, so the concatenation plays back as one file.
//
// There is no voice selection; only the language can be configured.
package gtts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/aidoctor/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL  = "https://translate.google.com"
	ttsEndpoint     = "/translate_tts"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxChunkRunes is the per-request text limit of the endpoint.
	maxChunkRunes = 100
)

// Option is a functional option for configuring a gTTS Provider.
type Option func(*Provider)

// WithLanguage sets the language code (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSlow requests the slower speaking rate.
func WithSlow(slow bool) Option {
	return func(p *Provider) {
		p.slow = slow
	}
}

// WithBaseURL overrides the service base URL. Mainly useful for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by Google Translate TTS.
type Provider struct {
	baseURL    string
	language   string
	slow       bool
	httpClient *http.Client
}

// New creates a new gTTS Provider. No credentials are required.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements tts.Provider. The MP3 output is written to outputPath.
func (p *Provider) Synthesize(ctx context.Context, text, outputPath string) (string, error) {
	chunks := splitText(text, maxChunkRunes)
	if len(chunks) == 0 {
		return "", errors.New("gtts: text must not be empty")
	}

	var audio bytes.Buffer
	for i, chunk := range chunks {
		data, err := p.fetch(ctx, chunk, i, len(chunks))
		if err != nil {
			return "", err
		}
		audio.Write(data)
	}
	if audio.Len() == 0 {
		return "", errors.New("gtts: server returned no audio")
	}
	if err := tts.WriteFile(outputPath, audio.Bytes()); err != nil {
		return "", fmt.Errorf("gtts: write %q: %w", outputPath, err)
	}
	return outputPath, nil
}

// fetch performs one GET /translate_tts request for a single chunk.
func (p *Provider) fetch(ctx context.Context, chunk string, idx, total int) ([]byte, error) {
	params := url.Values{}
	params.Set("ie", "UTF-8")
	params.Set("client", "tw-ob")
	params.Set("tl", p.language)
	params.Set("q", chunk)
	params.Set("idx", strconv.Itoa(idx))
	params.Set("total", strconv.Itoa(total))
	params.Set("textlen", strconv.Itoa(len([]rune(chunk))))
	if p.slow {
		params.Set("ttsspeed", "0.24")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+ttsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("gtts: create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gtts: GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtts: GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gtts: read response: %w", err)
	}
	return data, nil
}

// splitText breaks text into chunks of at most limit runes, preferring to cut
// after sentence punctuation, then at whitespace. Words longer than limit are
// hard-split.
func splitText(text string, limit int) []string {
	text = strings.Join(strings.Fields(text), " ")
	var chunks []string
	for text != "" {
		runes := []rune(text)
		if len(runes) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := -1
		for i := limit - 1; i > 0; i-- {
			if strings.ContainsRune(".!?;:,", runes[i]) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			for i := limit; i > 0; i-- {
				if unicode.IsSpace(runes[i]) {
					cut = i
					break
				}
			}
		}
		if cut <= 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(string(runes[cut:]))
	}
	return chunks
}
