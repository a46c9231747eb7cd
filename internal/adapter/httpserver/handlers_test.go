package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/matchcut/export-orchestrator/internal/adapter/notify"
	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/hub"
	"github.com/matchcut/export-orchestrator/internal/usecase"
)

type fakeRepo struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: map[string]*domain.Job{}} }

func (r *fakeRepo) Create(_ context.Context, j domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return domain.ErrConflict
	}
	r.jobs[j.ID] = &j
	r.order = append(r.order, j.ID)
	return nil
}

func (r *fakeRepo) ClaimNext(context.Context, string, []domain.JobKind) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *fakeRepo) MarkComplete(context.Context, string, string, string) error { return nil }
func (r *fakeRepo) MarkError(context.Context, string, string) error            { return nil }
func (r *fakeRepo) MarkCancelled(context.Context, string) error                { return nil }
func (r *fakeRepo) CancelRequested(context.Context, string) (bool, error)      { return false, nil }

func (r *fakeRepo) RequestCancel(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	switch j.Status {
	case domain.JobPending:
		j.Status = domain.JobCancelled
		j.CancelRequested = true
	case domain.JobProcessing:
		j.CancelRequested = true
	}
	return *j, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *fakeRepo) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, id := range r.order {
		j := r.jobs[id]
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.ProjectRef != "" && j.ProjectRef != f.ProjectRef {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
			continue
		}
		if f.ActiveOnly && j.Status.Terminal() {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (r *fakeRepo) RecoverOrphans(context.Context, string) ([]string, []string, error) {
	return nil, nil, nil
}

func (r *fakeRepo) put(j domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = &j
	r.order = append(r.order, j.ID)
}

type fakeBlob struct {
	objects map[string][]byte
	presign bool
}

func (b *fakeBlob) Put(_ context.Context, key, _ string, rd io.Reader) error {
	data, _ := io.ReadAll(rd)
	b.objects[key] = data
	return nil
}

func (b *fakeBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlob) Delete(context.Context, string) error       { return nil }
func (b *fakeBlob) DeletePrefix(context.Context, string) error { return nil }

func (b *fakeBlob) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if !b.presign {
		return "", domain.ErrNoSignedURL
	}
	return "https://signed.example.com/" + key, nil
}

func (b *fakeBlob) Exists(_ context.Context, key string) (bool, error) {
	_, ok := b.objects[key]
	return ok, nil
}

type testEnv struct {
	repo   *fakeRepo
	blob   *fakeBlob
	hub    *hub.Hub
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newFakeRepo()
	blob := &fakeBlob{objects: map[string][]byte{}}
	h := hub.New(hub.Options{Keepalive: time.Second})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exports := usecase.NewExportService(repo, blob, domain.AllowAll{}, notify.NewLocal(), h, logger, 15*time.Minute)
	srv := NewServer(exports, h, func(context.Context) error { return nil })

	r := chi.NewRouter()
	r.Post("/exports", srv.SubmitHandler())
	r.Get("/exports/active", srv.ActiveHandler())
	r.Get("/exports/{id}", srv.GetHandler())
	r.Get("/exports/{id}/download", srv.DownloadHandler())
	r.Delete("/exports/{id}", srv.CancelHandler())
	r.Get("/projects/{ref}/exports", srv.ProjectExportsHandler())
	r.Get("/ws/exports/{id}", srv.ProgressWSHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return &testEnv{repo: repo, blob: blob, hub: h, router: r}
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body := map[string]any{
		"project_ref": "proj-7",
		"kind":        "framing",
		"params": map[string]any{
			"source_ref": "sources/match.mp4",
			"crop_keyframes": []map[string]any{
				{"time_sec": 0, "rect": map[string]float64{"x": 0, "y": 0, "w": 608, "h": 1080}},
			},
			"aspect_ratio": "9:16",
			"frame_rate":   30,
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestSubmitCreatesJob(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/exports", submitBody(t))
	req.Header.Set(CallerHeader, "user-42")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var view jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.NotEmpty(t, view.ID)
	require.Equal(t, "pending", view.Status)
	require.Equal(t, "user-42", view.Owner)
	require.Equal(t, "proj-7", view.ProjectRef)

	stored, err := env.repo.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, stored.Status)
}

func TestSubmitValidationFailureCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	body := `{"project_ref":"p","kind":"framing","params":{"source_ref":""}}`
	req := httptest.NewRequest(http.MethodPost, "/exports", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_ARGUMENT", decodeEnvelope(t, rec).Error.Code)
	require.Empty(t, env.repo.order)
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	body := `{"project_ref":"p","kind":"hologram","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/exports", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/exports", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJobIs404(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/exports/ghost", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decodeEnvelope(t, rec).Error.Code)
}

func TestActiveListsOnlyCallerNonTerminalJobs(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "a", Owner: "user-1", Status: domain.JobPending})
	env.repo.put(domain.Job{ID: "b", Owner: "user-1", Status: domain.JobComplete})
	env.repo.put(domain.Job{ID: "c", Owner: "user-2", Status: domain.JobProcessing})

	req := httptest.NewRequest(http.MethodGet, "/exports/active", nil)
	req.Header.Set(CallerHeader, "user-1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].ID)
}

func TestProjectListRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/projects/p1/exports?limit=9999", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectListFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "a", ProjectRef: "p1", Status: domain.JobComplete})
	env.repo.put(domain.Job{ID: "b", ProjectRef: "p1", Status: domain.JobPending})

	req := httptest.NewRequest(http.MethodGet, "/projects/p1/exports?status=complete", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].ID)
}

func TestWireShapesUseJobIDFieldAndArrayLists(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Owner: "u", ProjectRef: "p1", Status: domain.JobPending})

	req := httptest.NewRequest(http.MethodGet, "/exports/j1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), `"job_id":"j1"`)
	require.NotContains(t, rec.Body.String(), `"id":`)

	for _, path := range []string{"/projects/p1/exports", "/exports/active"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
		body := strings.TrimSpace(rec.Body.String())
		require.True(t, strings.HasPrefix(body, "["), "%s must return an array, got %s", path, body)
	}
}

func TestProjectListRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"status=exploded", "since=yesterday"} {
		req := httptest.NewRequest(http.MethodGet, "/projects/p1/exports?"+q, nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Owner: "u", Status: domain.JobPending, Kind: domain.KindFraming})

	req := httptest.NewRequest(http.MethodDelete, "/exports/j1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var view jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.Equal(t, "cancelled", view.Status)
}

func TestDownloadNotCompleteIs409(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Status: domain.JobProcessing})

	req := httptest.NewRequest(http.MethodGet, "/exports/j1/download", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "NOT_READY", decodeEnvelope(t, rec).Error.Code)
}

func TestDownloadRedirectsToSignedURL(t *testing.T) {
	env := newTestEnv(t)
	env.blob.presign = true
	env.repo.put(domain.Job{
		ID: "j1", Status: domain.JobComplete,
		OutputRef: "exports/j1/out.mp4", OutputFilename: "out.mp4",
	})

	req := httptest.NewRequest(http.MethodGet, "/exports/j1/download", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://signed.example.com/exports/j1/out.mp4", rec.Header().Get("Location"))
}

func TestDownloadProxiesWhenNoSignedURLs(t *testing.T) {
	env := newTestEnv(t)
	env.blob.objects["exports/j1/out.mp4"] = []byte("artifact-bytes")
	env.repo.put(domain.Job{
		ID: "j1", Status: domain.JobComplete,
		OutputRef: "exports/j1/out.mp4", OutputFilename: "out.mp4",
	})

	req := httptest.NewRequest(http.MethodGet, "/exports/j1/download", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "artifact-bytes", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="out.mp4"`)
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	failing := NewServer(nil, nil, func(context.Context) error { return context.DeadlineExceeded })
	rec = httptest.NewRecorder()
	failing.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallerIDDefaultsToAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, AnonymousCaller, CallerID(req))
	req.Header.Set(CallerHeader, "user-9")
	require.Equal(t, "user-9", CallerID(req))
}
