package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/service"
)

type Service struct {
	Log  *slog.Logger
	Cfg  *config.Config
	Jobs *service.Service

	// ClipsDir is served under /clips/ when set (local storage driver).
	ClipsDir string
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle(common.PathJobs, svc.withCommon(svc.handleSubmit)).Methods(http.MethodPost)
	r.Handle(common.PathJobs+"/{id}", svc.withCommon(svc.handleGet)).Methods(http.MethodGet)
	r.Handle(common.PathJobs+"/{id}/events", svc.withCommon(svc.handleEvents)).Methods(http.MethodGet)
	r.Handle(common.PathJobs+"/{id}/cancel", svc.withCommon(svc.handleCancel)).Methods(http.MethodPost)
	r.Handle(common.PathProfiles, svc.withCommon(svc.handleProfiles)).Methods(http.MethodGet)

	if svc.ClipsDir != "" {
		files := http.StripPrefix(common.PathClips, http.FileServer(http.Dir(svc.ClipsDir)))
		r.PathPrefix(common.PathClips).Handler(noDirListing(files)).Methods(http.MethodGet, http.MethodHead)
	}

	var h http.Handler = r
	if origins := svc.Cfg.Server.CORSOrigins; len(origins) > 0 {
		h = corsMiddleware(h, origins)
	}

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(h, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

// corsMiddleware answers preflight requests before routing, so OPTIONS never
// reaches the method-restricted routes.
func corsMiddleware(next http.Handler, origins []string) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type", common.HeaderAPIKey, common.HeaderRequestID}),
		handlers.ExposedHeaders([]string{common.HeaderRequestID}),
	)(next)
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxBodySize)
		if max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type submitRequest struct {
	SourceReference    string  `json:"sourceReference"`
	StartOffsetSeconds float64 `json:"startOffsetSeconds"`
	DurationSeconds    float64 `json:"durationSeconds"`
	PlatformName       string  `json:"platformName"`
	CallbackURL        string  `json:"callbackUrl,omitempty"`
}

type jobOut struct {
	ID                 string    `json:"id"`
	SourceReference    string    `json:"sourceReference"`
	StartOffsetSeconds float64   `json:"startOffsetSeconds"`
	DurationSeconds    float64   `json:"durationSeconds"`
	PlatformName       string    `json:"platformName"`
	Status             string    `json:"status"`
	Progress           int       `json:"progress"`
	OutputLocation     string    `json:"outputLocation,omitempty"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
	Attempts           int       `json:"attempts"`
	CallbackURL        string    `json:"callbackUrl,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type eventOut struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (svc *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}

	job, err := svc.Jobs.Submit(r.Context(), service.SubmitRequest{
		SourceReference:    req.SourceReference,
		StartOffsetSeconds: req.StartOffsetSeconds,
		DurationSeconds:    req.DurationSeconds,
		PlatformName:       req.PlatformName,
		CallbackURL:        req.CallbackURL,
	})
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := svc.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := svc.Jobs.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		svc.writeError(w, err)
		return
	}
	out := make([]eventOut, 0, len(events))
	for _, e := range events {
		out = append(out, eventOut{From: string(e.From), To: string(e.To), Message: e.Message, At: e.At})
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := svc.Jobs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Jobs.ListProfiles())
}

func jobToOut(job *jobs.Job) jobOut {
	return jobOut{
		ID:                 job.ID,
		SourceReference:    job.SourceReference,
		StartOffsetSeconds: job.Clip.StartOffsetSeconds,
		DurationSeconds:    job.Clip.DurationSeconds,
		PlatformName:       job.TargetProfile,
		Status:             string(job.Status),
		Progress:           job.Status.Progress(),
		OutputLocation:     job.OutputLocation,
		ErrorMessage:       job.ErrorMessage,
		Attempts:           job.Attempts,
		CallbackURL:        job.CallbackURL,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}
}

// writeError maps err to a status code. Internal details stay in the log.
func (svc *Service) writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if svc.Log != nil {
			svc.Log.Error("request failed", "err", err)
		}
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

// noDirListing hides directory indexes of the clip tree.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fall back to a discard logger when none is provided.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(common.HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(common.HeaderRequestID, reqID)
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
			"request_id", reqID)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
