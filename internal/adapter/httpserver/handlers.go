package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/hub"
	"github.com/matchcut/export-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Exports *usecase.ExportService
	Hub     *hub.Hub
	DBCheck func(ctx context.Context) error
}

// NewServer constructs the handler set.
func NewServer(exports *usecase.ExportService, h *hub.Hub, dbCheck func(context.Context) error) *Server {
	return &Server{Exports: exports, Hub: h, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

const maxSubmitBody = 1 << 20 // params documents are small; 1 MiB is generous

type submitRequest struct {
	ProjectRef string          `json:"project_ref" validate:"required"`
	Kind       string          `json:"kind" validate:"required"`
	Params     json.RawMessage `json:"params" validate:"required"`
}

// jobView is the wire shape of a job.
type jobView struct {
	ID              string     `json:"job_id"`
	Owner           string     `json:"owner"`
	ProjectRef      string     `json:"project_ref"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	OutputRef       string     `json:"output_ref,omitempty"`
	OutputFilename  string     `json:"output_filename,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:              j.ID,
		Owner:           j.Owner,
		ProjectRef:      j.ProjectRef,
		Kind:            string(j.Kind),
		Status:          string(j.Status),
		OutputRef:       j.OutputRef,
		OutputFilename:  j.OutputFilename,
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func toJobViews(jobs []domain.Job) []jobView {
	out := make([]jobView, len(jobs))
	for i, j := range jobs {
		out[i] = toJobView(j)
	}
	return out
}

// SubmitHandler accepts a new export job.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
		var req submitRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed request body", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: missing required fields", domain.ErrInvalidArgument), err.Error())
			return
		}

		job, err := s.Exports.Submit(r.Context(), CallerID(r), req.ProjectRef, domain.JobKind(req.Kind), req.Params)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobView(job))
	}
}

// GetHandler returns one job.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Exports.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// ActiveHandler lists the caller's pending and processing jobs.
func (s *Server) ActiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.Exports.ListActive(r.Context(), CallerID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobViews(jobs))
	}
}

// ProjectExportsHandler lists a project's jobs, newest first. Optional query
// filters: status, since (RFC 3339), limit.
func (s *Server) ProjectExportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.JobFilter{ProjectRef: chi.URLParam(r, "ref"), Limit: 50}
		q := r.URL.Query()
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				writeError(w, r, fmt.Errorf("%w: limit must be within [1, 500]", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		if raw := q.Get("status"); raw != "" {
			switch st := domain.JobStatus(raw); st {
			case domain.JobPending, domain.JobProcessing, domain.JobComplete, domain.JobError, domain.JobCancelled:
				f.Status = st
			default:
				writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
		}
		if raw := q.Get("since"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalidArgument), nil)
				return
			}
			f.Since = ts
		}
		jobs, err := s.Exports.ListProject(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobViews(jobs))
	}
}

// CancelHandler requests cancellation; idempotent for terminal jobs.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Exports.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, toJobView(job))
	}
}

// DownloadHandler hands out the finished artifact: a redirect to a presigned
// URL when the blob store supports signing, else a streamed proxy.
func (s *Server) DownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dl, err := s.Exports.Download(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if dl.URL != "" {
			http.Redirect(w, r, dl.URL, http.StatusFound)
			return
		}
		defer dl.Body.Close()
		w.Header().Set("Content-Type", dl.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
		if _, err := io.Copy(w, dl.Body); err != nil {
			LoggerFrom(r).Warn("download stream interrupted", "error", err)
		}
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the job store must answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": "job store unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
