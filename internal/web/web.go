// Package web serves the consultation UI and its JSON API.
//
// Routes:
//
//   - GET  /             recording and upload form
//   - POST /api/consult  multipart "audio" (required) and "image" (optional)
//   - GET  /audio/{id}   the spoken reply of consultation id
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/aidoctor/internal/doctor"
	"github.com/MrWong99/aidoctor/internal/observe"
)

const (
	defaultMaxUpload = 25 << 20
	// multipartMemory is how much of a form is buffered in memory before
	// parts spill to temporary files.
	multipartMemory = 8 << 20

	defaultAudioExt = ".webm"
	defaultImageExt = ".jpg"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Consulter runs consultations and locates their audio. [*doctor.Service]
// implements it.
type Consulter interface {
	Consult(ctx context.Context, c doctor.Consultation) doctor.Result
	AudioPath(id string) string
}

// ConsultResponse is the JSON body returned by POST /api/consult.
type ConsultResponse struct {
	ID         string   `json:"id"`
	Transcript string   `json:"transcript"`
	Reply      string   `json:"reply"`
	AudioURL   string   `json:"audio_url,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the web UI and API. It is safe for concurrent use.
type Handler struct {
	consulter Consulter
	maxUpload int64
	title     string
}

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithMaxUploadBytes caps the request body of POST /api/consult. Defaults to
// 25 MiB.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// WithTitle sets the page title of the form.
func WithTitle(title string) Option {
	return func(h *Handler) { h.title = title }
}

// New creates a Handler backed by c.
func New(c Consulter, opts ...Option) *Handler {
	h := &Handler{
		consulter: c,
		maxUpload: defaultMaxUpload,
		title:     "AI Doctor with Vision and Voice",
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("POST /api/consult", h.Consult)
	mux.HandleFunc("GET /audio/{id}", h.Audio)
}

// Index renders the consultation form.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title       string
		MaxUploadMB int64
	}{h.title, h.maxUpload >> 20}
	if err := indexTmpl.Execute(w, data); err != nil {
		observe.Logger(r.Context()).Error("render index", "err", err)
	}
}

// Consult handles POST /api/consult.
func (h *Handler) Consult(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected a multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	dir, err := os.MkdirTemp("", "aidoctor-upload-*")
	if err != nil {
		log.Error("create upload dir", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	defer os.RemoveAll(dir)

	audioPath, err := saveUpload(r, "audio", dir, defaultAudioExt)
	if errors.Is(err, http.ErrMissingFile) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audio is required"})
		return
	}
	if err != nil {
		log.Error("save audio upload", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	imagePath, err := saveUpload(r, "image", dir, defaultImageExt)
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		log.Error("save image upload", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	res := h.consulter.Consult(r.Context(), doctor.Consultation{AudioPath: audioPath, ImagePath: imagePath})

	resp := ConsultResponse{
		ID:         res.ID,
		Transcript: res.Transcript,
		Reply:      res.Reply,
		Errors:     res.Errors,
	}
	if res.AudioPath != "" {
		resp.AudioURL = "/audio/" + res.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Audio handles GET /audio/{id}.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(h.consulter.AudioPath(id))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() || info.Size() == 0 {
		http.NotFound(w, r)
		return
	}

	var head [512]byte
	n, _ := io.ReadFull(f, head[:])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", audioContentType(head[:n]))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// audioContentType sniffs the audio container. Raw MPEG frames without an ID3
// tag are not recognised by [http.DetectContentType], so anything unknown is
// served as MP3.
func audioContentType(head []byte) string {
	ct := http.DetectContentType(head)
	if strings.HasPrefix(ct, "audio/") {
		return ct
	}
	return "audio/mpeg"
}

// saveUpload copies the form file field into dir and returns its path. The
// original extension is kept because speech APIs detect the format from it.
func saveUpload(r *http.Request, field, dir, defaultExt string) (string, error) {
	file, hdr, err := r.FormFile(field)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if hdr.Size == 0 {
		return "", http.ErrMissingFile
	}

	path := filepath.Join(dir, field+uploadExt(hdr, defaultExt))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}

func uploadExt(hdr *multipart.FileHeader, defaultExt string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(hdr.Filename)))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return defaultExt
	}
	return ext
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", "err", err)
	}
}
