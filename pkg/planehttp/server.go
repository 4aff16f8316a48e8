// Package planehttp exposes the control plane's virtual-path surface over
// HTTP. Every route maps onto a plane path; the handlers hold no state of
// their own.
package planehttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/plane"
)

// maxBodyBytes bounds request bodies at the HTTP edge. The plane applies its
// own per-path caps underneath.
const maxBodyBytes = 16 << 20

// Server adapts a Plane to HTTP.
type Server struct {
	plane *plane.Plane
}

// NewServer creates the HTTP adapter.
func NewServer(p *plane.Plane) *Server {
	return &Server{plane: p}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/new", s.writeThenRead("/new"))

		r.Get("/policy", s.read("/policy"))
		r.Put("/policy", s.write("/policy"))
		r.Get("/usage", s.read("/usage"))

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", s.read("/auth/status"))
			r.Get("/credits", s.read("/auth/credits"))
			r.Put("/token", s.write("/auth/token"))
			r.Get("/challenge", s.read("/auth/challenge"))
			r.Post("/challenge", s.write("/auth/challenge"))
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.list("/providers"))
			r.Get("/{provider}/info", s.readf("/providers/%s/info", "provider"))
			r.Get("/{provider}/images", s.readf("/providers/%s/images", "provider"))
			r.Get("/{provider}/health", s.readf("/providers/%s/health", "provider"))
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.list("/sessions"))
			r.Route("/{session}", func(r chi.Router) {
				r.Get("/status", s.readf("/sessions/%s/status", "session"))
				r.Get("/result", s.readf("/sessions/%s/result", "session"))
				r.Get("/usage", s.readf("/sessions/%s/usage", "session"))
				r.Get("/output/stream", s.stream("/sessions/%s/output", "session"))
				r.Post("/ctl", s.writef("/sessions/%s/ctl", "session"))

				r.Post("/exec", s.writeThenReadf("/sessions/%s/exec/new", "session"))
				r.Get("/exec/{exec}/status", s.readf("/sessions/%s/exec/%s/status", "session", "exec"))
				r.Get("/exec/{exec}/result", s.readf("/sessions/%s/exec/%s/result", "session", "exec"))
				r.Get("/exec/{exec}/output/stream", s.stream("/sessions/%s/exec/%s/output", "session", "exec"))

				r.Get("/files/{file}", s.readf("/sessions/%s/files/%s", "session", "file"))
				r.Put("/files/{file}", s.writef("/sessions/%s/files/%s", "session", "file"))
				r.Get("/files/{file}/chunks/{chunk}", s.readf("/sessions/%s/files/%s/chunks/%s", "session", "file", "chunk"))
				r.Put("/files/{file}/chunks/{chunk}", s.writef("/sessions/%s/files/%s/chunks/%s", "session", "file", "chunk"))
			})
		})
	})
	return r
}

func (s *Server) read(path string) http.HandlerFunc {
	return s.readf(path)
}

func (s *Server) readf(format string, params ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveRead(w, r, fillPath(r, format, params))
	}
}

func (s *Server) write(path string) http.HandlerFunc {
	return s.writef(path)
}

func (s *Server) writef(format string, params ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveWrite(w, r, fillPath(r, format, params), false)
	}
}

func (s *Server) writeThenRead(path string) http.HandlerFunc {
	return s.writeThenReadf(path)
}

func (s *Server) writeThenReadf(format string, params ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveWrite(w, r, fillPath(r, format, params), true)
	}
}

func (s *Server) list(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.plane.List(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func (s *Server) serveRead(w http.ResponseWriter, r *http.Request, path string) {
	h, err := s.plane.Open(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer h.Close()

	data, err := io.ReadAll(h)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) serveWrite(w http.ResponseWriter, r *http.Request, path string, readBack bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fserr.Wrap(err, fserr.CodeInvalidRequest, "reading request body"))
		return
	}

	h, err := s.plane.Open(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Write(body); err != nil {
		_ = h.Close()
		writeError(w, err)
		return
	}

	if !readBack {
		if err := h.Close(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Reading after the write commits the request and surfaces the response.
	data, err := io.ReadAll(h)
	_ = h.Close()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// stream serves a watch as chunked plain text, flushing each chunk.
func (s *Server) stream(format string, params ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := fillPath(r, format, params)
		st, err := s.plane.Watch(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		defer st.Close()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		for {
			chunk, err := st.Next()
			if err != nil {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func fillPath(r *http.Request, format string, params []string) string {
	args := make([]any, len(params))
	for i, name := range params {
		args[i] = chi.URLParam(r, name)
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func contentTypeFor(data []byte) string {
	trimmed := data
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "application/json"
	}
	return "application/octet-stream"
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := fserr.GetCode(err)
	writeJSON(w, statusFor(code), map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func statusFor(code fserr.Code) int {
	switch code {
	case fserr.CodeNotFound:
		return http.StatusNotFound
	case fserr.CodePermissionDenied, fserr.CodePolicyViolation:
		return http.StatusForbidden
	case fserr.CodeInvalidPath, fserr.CodeInvalidRequest:
		return http.StatusBadRequest
	case fserr.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case fserr.CodeProviderFailure, fserr.CodeAccountFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
