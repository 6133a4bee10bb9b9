package doctor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/aidoctor/internal/doctor"
	"github.com/MrWong99/aidoctor/internal/observe"
	"github.com/MrWong99/aidoctor/internal/resilience"
	sttmock "github.com/MrWong99/aidoctor/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/aidoctor/pkg/provider/tts/mock"
	visionmock "github.com/MrWong99/aidoctor/pkg/provider/vision/mock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	stt      *sttmock.Provider
	vision   *visionmock.Provider
	ttsA     *ttsmock.Provider
	ttsB     *ttsmock.Provider
	svc      *doctor.Service
	reader   *sdkmetric.ManualReader
	outDir   string
	imageDir string
}

func newFixture(t *testing.T, opts ...doctor.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		stt:      &sttmock.Provider{Text: "  There is a rash on my arm.  "},
		vision:   &visionmock.Provider{Reply: "  It looks like mild eczema, keep the skin moisturised.  "},
		ttsA:     &ttsmock.Provider{Audio: []byte("ID3-elevenlabs")},
		ttsB:     &ttsmock.Provider{Audio: []byte("ID3-gtts")},
		reader:   reader,
		outDir:   filepath.Join(t.TempDir(), "out"),
		imageDir: t.TempDir(),
	}

	analyzer := resilience.NewVisionFallback(f.vision, []string{"fallback-1", "fallback-2"}, resilience.FallbackConfig{})
	speech := resilience.NewTTSFallback(f.ttsA, "elevenlabs", resilience.FallbackConfig{})
	speech.AddFallback("gtts", f.ttsB)

	var n atomic.Int64
	opts = append([]doctor.Option{
		doctor.WithModel("primary-model"),
		doctor.WithMetrics(m),
		doctor.WithIDGenerator(func() string { return fmt.Sprintf("consult-%d", n.Add(1)) }),
	}, opts...)
	f.svc, err = doctor.New(f.stt, analyzer, speech, f.outDir, opts...)
	if err != nil {
		t.Fatalf("doctor.New: %v", err)
	}
	return f
}

func (f *fixture) image(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.imageDir, "arm.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nfake-image-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	analyzer := resilience.NewVisionFallback(&visionmock.Provider{}, nil, resilience.FallbackConfig{})
	if _, err := doctor.New(nil, analyzer, &ttsmock.Provider{}, t.TempDir()); err == nil {
		t.Error("expected error for nil stt provider")
	}
	if _, err := doctor.New(&sttmock.Provider{}, nil, &ttsmock.Provider{}, t.TempDir()); err == nil {
		t.Error("expected error for nil analyzer")
	}
	if _, err := doctor.New(&sttmock.Provider{}, analyzer, &ttsmock.Provider{}, ""); err == nil {
		t.Error("expected error for empty output dir")
	}
}

func TestNew_CreatesOutputDir(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	info, err := os.Stat(f.outDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("output dir not created: %v", err)
	}
	if f.svc.OutputDir() != f.outDir {
		t.Errorf("OutputDir() = %q, want %q", f.svc.OutputDir(), f.outDir)
	}
}

// ── Consult ───────────────────────────────────────────────────────────────────

func TestConsult_HappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	img := f.image(t)

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/question.wav", ImagePath: img})

	if res.ID != "consult-1" {
		t.Errorf("ID = %q, want consult-1", res.ID)
	}
	if res.Transcript != "There is a rash on my arm." {
		t.Errorf("Transcript = %q", res.Transcript)
	}
	if res.Reply != "It looks like mild eczema, keep the skin moisturised." {
		t.Errorf("Reply = %q", res.Reply)
	}
	if res.Degraded() {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
	if want := filepath.Join(f.outDir, "consult-1.mp3"); res.AudioPath != want {
		t.Errorf("AudioPath = %q, want %q", res.AudioPath, want)
	}
	data, err := os.ReadFile(res.AudioPath)
	if err != nil || string(data) != "ID3-elevenlabs" {
		t.Errorf("audio file = %q, %v", data, err)
	}

	if got := f.stt.TranscribeCalls; len(got) != 1 || got[0].AudioPath != "/tmp/question.wav" {
		t.Errorf("stt calls = %+v", got)
	}
	if models := f.vision.Models(); len(models) != 1 || models[0] != "primary-model" {
		t.Errorf("vision models tried = %v, want [primary-model]", models)
	}
	req := f.vision.InferCalls[0].Req
	if want := doctor.SystemPrompt + " There is a rash on my arm."; req.Prompt != want {
		t.Errorf("prompt = %q, want %q", req.Prompt, want)
	}
	if req.Image.MIMEType != "image/png" || req.Image.Base64 == "" {
		t.Errorf("image = %+v", req.Image)
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
	if f.ttsB.CallCount() != 0 {
		t.Error("secondary TTS should not be called when the primary succeeds")
	}
	if got := f.ttsA.SynthesizeCalls[0].Text; got != res.Reply {
		t.Errorf("tts text = %q, want reply", got)
	}

	if n := f.counter(t, "aidoctor.consultations", "outcome", "ok"); n != 1 {
		t.Errorf("consultations{ok} = %d, want 1", n)
	}
	if n := f.counter(t, "aidoctor.active_consultations", "", ""); n != 0 {
		t.Errorf("active consultations = %d, want 0", n)
	}
}

func TestConsult_STTFailureContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.TranscribeErr = errors.New("invalid api key")

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav", ImagePath: f.image(t)})

	if res.Transcript != "[STT error] invalid api key" {
		t.Errorf("Transcript = %q", res.Transcript)
	}
	if f.vision.CallCount() != 1 {
		t.Fatalf("vision should still be called, got %d calls", f.vision.CallCount())
	}
	if !strings.HasSuffix(f.vision.InferCalls[0].Req.Prompt, " [STT error] invalid api key") {
		t.Errorf("prompt should carry the failed transcript, got %q", f.vision.InferCalls[0].Req.Prompt)
	}
	if res.AudioPath == "" {
		t.Error("audio should still be produced")
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "stt: ") {
		t.Errorf("Errors = %v", res.Errors)
	}
	if n := f.counter(t, "aidoctor.consultations", "outcome", "degraded"); n != 1 {
		t.Errorf("consultations{degraded} = %d, want 1", n)
	}
}

func TestConsult_NoAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.svc.Consult(context.Background(), doctor.Consultation{})

	if !strings.HasPrefix(res.Transcript, doctor.STTErrorPrefix) {
		t.Errorf("Transcript = %q, want STT error", res.Transcript)
	}
	if f.stt.CallCount() != 0 {
		t.Error("stt should not be called without audio")
	}
	if res.Reply != doctor.NoImageReply {
		t.Errorf("Reply = %q", res.Reply)
	}
}

func TestConsult_NoImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})

	if res.Reply != "No image provided for me to analyze" {
		t.Errorf("Reply = %q", res.Reply)
	}
	if f.vision.CallCount() != 0 {
		t.Errorf("vision called %d times, want 0", f.vision.CallCount())
	}
	if res.Degraded() {
		t.Errorf("missing image is not a failure, got %v", res.Errors)
	}
	if got := f.ttsA.SynthesizeCalls[0].Text; got != doctor.NoImageReply {
		t.Errorf("tts text = %q", got)
	}
}

func TestConsult_MissingImageFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.svc.Consult(context.Background(), doctor.Consultation{
		AudioPath: "/tmp/q.wav",
		ImagePath: filepath.Join(f.imageDir, "gone.jpg"),
	})

	if !strings.HasPrefix(res.Reply, doctor.VisionErrorPrefix) {
		t.Errorf("Reply = %q, want vision error", res.Reply)
	}
	if f.vision.CallCount() != 0 {
		t.Error("vision should not be called when the image cannot be read")
	}
}

func TestConsult_VisionModelFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.vision.Errors = map[string]error{"primary-model": errors.New("model decommissioned")}
	f.vision.Replies = map[string]string{"fallback-1": "Apply a cold compress."}

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav", ImagePath: f.image(t)})

	if res.Reply != "Apply a cold compress." {
		t.Errorf("Reply = %q", res.Reply)
	}
	if models := f.vision.Models(); strings.Join(models, ",") != "primary-model,fallback-1" {
		t.Errorf("models tried = %v", models)
	}
	if res.Degraded() {
		t.Errorf("a successful fallback is not a failure, got %v", res.Errors)
	}
}

func TestConsult_VisionChainExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.vision.Err = errors.New("503 service unavailable")

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav", ImagePath: f.image(t)})

	if !strings.HasPrefix(res.Reply, "[Vision error] ") {
		t.Fatalf("Reply = %q, want vision error", res.Reply)
	}
	for _, m := range []string{"primary-model", "fallback-1", "fallback-2", "503 service unavailable"} {
		if !strings.Contains(res.Reply, m) {
			t.Errorf("reply %q should mention %q", res.Reply, m)
		}
	}
	if f.vision.CallCount() != 3 {
		t.Errorf("vision calls = %d, want 3", f.vision.CallCount())
	}
	if res.AudioPath == "" {
		t.Error("the error message should still be spoken")
	}
	if n := f.counter(t, "aidoctor.fallback.exhausted", "kind", "vision"); n != 1 {
		t.Errorf("fallback.exhausted{vision} = %d, want 1", n)
	}
}

func TestConsult_TTSFallsBackToSecondary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ttsA.SynthesizeErr = errors.New("quota exceeded")

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})

	if res.AudioPath == "" {
		t.Fatalf("expected audio from secondary, errors: %v", res.Errors)
	}
	data, _ := os.ReadFile(res.AudioPath)
	if string(data) != "ID3-gtts" {
		t.Errorf("audio = %q, want ID3-gtts", data)
	}
	if f.ttsA.CallCount() != 1 || f.ttsB.CallCount() != 1 {
		t.Errorf("tts calls: primary=%d secondary=%d, want 1/1", f.ttsA.CallCount(), f.ttsB.CallCount())
	}
}

func TestConsult_ZeroByteAudioMeansNoAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ttsA.Audio = nil

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})

	if res.AudioPath != "" {
		t.Errorf("AudioPath = %q, want empty for zero-byte output", res.AudioPath)
	}
	if _, err := os.Stat(f.svc.AudioPath(res.ID)); !os.IsNotExist(err) {
		t.Errorf("empty output should be removed, stat err = %v", err)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "tts: ") {
		t.Errorf("Errors = %v", res.Errors)
	}
	if res.Reply == "" || res.Transcript == "" {
		t.Error("text results should be unaffected")
	}
}

func TestConsult_MissingOutputMeansNoAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ttsA.SkipWrite = true

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})

	if res.AudioPath != "" {
		t.Errorf("AudioPath = %q, want empty when nothing was written", res.AudioPath)
	}
}

func TestConsult_TTSChainExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ttsA.SynthesizeErr = errors.New("quota exceeded")
	f.ttsB.SynthesizeErr = errors.New("network unreachable")

	res := f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})

	if res.AudioPath != "" {
		t.Errorf("AudioPath = %q, want empty", res.AudioPath)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "network unreachable") {
		t.Errorf("Errors = %v", res.Errors)
	}
	if n := f.counter(t, "aidoctor.fallback.exhausted", "kind", "tts"); n != 1 {
		t.Errorf("fallback.exhausted{tts} = %d, want 1", n)
	}
}

func TestConsult_ConcurrentCallsUseDistinctFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	const n = 8
	results := make([]doctor.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav"})
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, r := range results {
		if r.AudioPath == "" {
			t.Fatalf("consultation %s produced no audio: %v", r.ID, r.Errors)
		}
		if seen[r.AudioPath] {
			t.Errorf("duplicate audio path %q", r.AudioPath)
		}
		seen[r.AudioPath] = true
	}
}

func TestConsult_CustomPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, doctor.WithSystemPrompt("Be brief."), doctor.WithTemperature(0.7), doctor.WithMaxTokens(64))

	f.svc.Consult(context.Background(), doctor.Consultation{AudioPath: "/tmp/q.wav", ImagePath: f.image(t)})

	req := f.vision.InferCalls[0].Req
	if req.Prompt != "Be brief. There is a rash on my arm." {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 64 {
		t.Errorf("temperature=%v max_tokens=%d", req.Temperature, req.MaxTokens)
	}
}
