// Package doctor runs one consultation: the patient's recorded question is
// transcribed, sent together with an optional photo to a vision-language model
// under a fixed doctor prompt, and the model's reply is spoken back.
//
// Every stage degrades instead of failing. A transcription error becomes the
// transcript text, a vision error becomes the reply text and a synthesis
// error leaves the result without audio. [Service.Consult] therefore never
// returns an error; problems are listed in [Result.Errors].
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aidoctor/internal/observe"
	"github.com/MrWong99/aidoctor/internal/resilience"
	"github.com/MrWong99/aidoctor/pkg/provider/stt"
	"github.com/MrWong99/aidoctor/pkg/provider/tts"
	"github.com/MrWong99/aidoctor/pkg/provider/vision"
)

// SystemPrompt is prepended to every transcript sent to the vision model.
const SystemPrompt = "You have to act as a professional doctor, this is for learning purpose. " +
	"With what I see, tell me if there is anything medically concerning. " +
	"If you propose a differential, suggest brief remedies. " +
	"Do not add numbers or special characters. Reply in one short paragraph only " +
	"as if you are speaking to a real person. Keep it concise (max two sentences). " +
	"Start directly without preamble."

// NoImageReply is the reply given when the patient did not upload a photo.
const NoImageReply = "No image provided for me to analyze"

// Prefixes that mark a stage failure inside the user-visible text.
const (
	STTErrorPrefix    = "[STT error] "
	VisionErrorPrefix = "[Vision error] "
)

const (
	defaultTemperature = 0.2
	audioExt           = ".mp3"
)

// errNoAudio is reported when a consultation arrives without a recording.
var errNoAudio = errors.New("no audio provided")

// Consultation is the input of one consultation. Both paths point to files
// owned by the caller; the service only reads them.
type Consultation struct {
	// AudioPath is the patient's recorded question.
	AudioPath string

	// ImagePath is the optional photo. Empty means no image.
	ImagePath string
}

// Result is what the patient gets back.
type Result struct {
	// ID identifies the consultation and names the synthesised audio file.
	ID string

	// Transcript is the recognised question, or an "[STT error] ..." message.
	Transcript string

	// Reply is the doctor's answer, [NoImageReply], or a "[Vision error] ..."
	// message.
	Reply string

	// AudioPath is the spoken reply. Empty when synthesis failed or produced
	// an unusable file.
	AudioPath string

	// Errors lists the stage failures of this consultation, if any.
	Errors []string
}

// Degraded reports whether any stage failed.
func (r Result) Degraded() bool { return len(r.Errors) > 0 }

// Service runs consultations. It holds no per-consultation state and is safe
// for concurrent use.
type Service struct {
	stt    stt.Provider
	vision vision.Analyzer
	tts    tts.Provider

	outputDir   string
	model       string
	prompt      string
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
	newID       func() string
}

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithModel sets the vision model requested first. Defaults to the
// meta-llama/llama-4-scout-17b-16e-instruct model.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithSystemPrompt replaces [SystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.prompt = prompt }
}

// WithTemperature sets the sampling temperature sent to the vision model.
// Defaults to 0.2.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithMaxTokens caps the reply length. Zero leaves it to the provider.
func WithMaxTokens(n int) Option {
	return func(s *Service) { s.maxTokens = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithIDGenerator overrides how consultation IDs are generated. IDs must be
// unique and safe to use as file names.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New creates a Service. Replies are written to outputDir, which is created
// if it does not exist.
func New(sttP stt.Provider, analyzer vision.Analyzer, ttsP tts.Provider, outputDir string, opts ...Option) (*Service, error) {
	if sttP == nil || analyzer == nil || ttsP == nil {
		return nil, errors.New("doctor: stt, vision and tts providers are required")
	}
	if outputDir == "" {
		return nil, errors.New("doctor: output directory must not be empty")
	}
	s := &Service{
		stt:         sttP,
		vision:      analyzer,
		tts:         ttsP,
		outputDir:   outputDir,
		model:       "meta-llama/llama-4-scout-17b-16e-instruct",
		prompt:      SystemPrompt,
		temperature: defaultTemperature,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("doctor: create output dir: %w", err)
	}
	return s, nil
}

// OutputDir returns the directory replies are written to.
func (s *Service) OutputDir() string { return s.outputDir }

// AudioPath returns where the spoken reply for consultation id is stored.
func (s *Service) AudioPath(id string) string {
	return filepath.Join(s.outputDir, id+audioExt)
}

// Consult runs one consultation end to end.
func (s *Service) Consult(ctx context.Context, c Consultation) Result {
	start := time.Now()
	s.metrics.ActiveConsultations.Add(ctx, 1)
	defer s.metrics.ActiveConsultations.Add(ctx, -1)

	res := Result{ID: s.newID()}
	ctx, span := observe.StartSpan(ctx, "doctor.consult",
		trace.WithAttributes(
			attribute.String("consultation.id", res.ID),
			attribute.Bool("consultation.has_image", c.ImagePath != ""),
		),
	)
	defer span.End()
	log := observe.Logger(ctx).With("consultation_id", res.ID)

	res.Transcript = s.transcribe(ctx, c.AudioPath, &res)
	res.Reply = s.diagnose(ctx, c.ImagePath, res.Transcript, &res)
	res.AudioPath = s.speak(ctx, res.Reply, res.ID, &res)

	outcome := "ok"
	if res.Degraded() {
		outcome = "degraded"
		span.SetAttributes(attribute.StringSlice("consultation.errors", res.Errors))
	}
	elapsed := time.Since(start)
	s.metrics.RecordConsultation(ctx, outcome, elapsed.Seconds())
	log.Info("consultation finished",
		"outcome", outcome,
		"has_audio", res.AudioPath != "",
		"duration", elapsed,
	)
	return res
}

// transcribe runs speech-to-text. On failure the error text becomes the
// transcript.
func (s *Service) transcribe(ctx context.Context, audioPath string, res *Result) string {
	ctx, span := observe.StartSpan(ctx, "doctor.stt")
	start := time.Now()

	var (
		text string
		err  error
	)
	if audioPath == "" {
		err = errNoAudio
	} else {
		text, err = s.stt.Transcribe(ctx, audioPath)
	}
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if err != nil {
		s.stageFailed(ctx, "stt", err, res)
		return STTErrorPrefix + err.Error()
	}
	return strings.TrimSpace(text)
}

// diagnose asks the vision model about the photo. Without a photo the model
// is not called at all.
func (s *Service) diagnose(ctx context.Context, imagePath, transcript string, res *Result) string {
	if imagePath == "" {
		return NoImageReply
	}
	ctx, span := observe.StartSpan(ctx, "doctor.vision")
	start := time.Now()

	reply, err := s.analyze(ctx, imagePath, transcript)
	s.metrics.VisionDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if err != nil {
		s.stageFailed(ctx, "vision", err, res)
		return VisionErrorPrefix + err.Error()
	}
	return reply
}

func (s *Service) analyze(ctx context.Context, imagePath, transcript string) (string, error) {
	img, err := vision.EncodeImage(imagePath)
	if err != nil {
		return "", err
	}
	return s.vision.Analyze(ctx, s.model, vision.Request{
		Prompt:      s.prompt + " " + transcript,
		Image:       img,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
}

// speak synthesises reply and returns the audio path, or "" when no usable
// audio was produced.
func (s *Service) speak(ctx context.Context, reply, id string, res *Result) string {
	ctx, span := observe.StartSpan(ctx, "doctor.tts")
	start := time.Now()
	out := s.AudioPath(id)

	path, err := s.tts.Synthesize(ctx, reply, out)
	if err == nil {
		err = tts.ValidateOutput(path)
	}
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if err != nil {
		s.stageFailed(ctx, "tts", err, res)
		_ = os.Remove(out)
		if path != "" && path != out {
			_ = os.Remove(path)
		}
		return ""
	}
	return path
}

// stageFailed records a stage failure on res, in the logs and in metrics.
func (s *Service) stageFailed(ctx context.Context, stage string, err error, res *Result) {
	res.Errors = append(res.Errors, stage+": "+err.Error())

	var exhausted *resilience.ChainExhaustedError
	if errors.As(err, &exhausted) {
		s.metrics.RecordFallbackExhausted(ctx, exhausted.Kind)
	}
	observe.Logger(ctx).Warn("consultation stage failed",
		"consultation_id", res.ID,
		"stage", stage,
		"err", err,
	)
}
