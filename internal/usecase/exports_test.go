package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matchcut/export-orchestrator/internal/adapter/notify"
	"github.com/matchcut/export-orchestrator/internal/domain"
)

type stubRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newStubRepo() *stubRepo { return &stubRepo{jobs: map[string]*domain.Job{}} }

func (r *stubRepo) Create(_ context.Context, j domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return domain.ErrConflict
	}
	r.jobs[j.ID] = &j
	return nil
}

func (r *stubRepo) ClaimNext(context.Context, string, []domain.JobKind) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *stubRepo) MarkComplete(_ context.Context, id, ref, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = domain.JobComplete
	j.OutputRef = ref
	j.OutputFilename = name
	return nil
}

func (r *stubRepo) MarkError(_ context.Context, id, msg string) error     { return nil }
func (r *stubRepo) MarkCancelled(_ context.Context, id string) error      { return nil }
func (r *stubRepo) CancelRequested(context.Context, string) (bool, error) { return false, nil }

func (r *stubRepo) RequestCancel(_ context.Context, id string) (domain.Job, error) {
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

func (r *stubRepo) Get(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *stubRepo) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.ProjectRef != "" && j.ProjectRef != f.ProjectRef {
			continue
		}
		if f.ActiveOnly && j.Status.Terminal() {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (r *stubRepo) RecoverOrphans(context.Context, string) ([]string, []string, error) {
	return nil, nil, nil
}

func (r *stubRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type stubBlob struct {
	objects map[string][]byte
	presign bool
}

func (b *stubBlob) Put(_ context.Context, key, _ string, rd io.Reader) error {
	data, _ := io.ReadAll(rd)
	b.objects[key] = data
	return nil
}

func (b *stubBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *stubBlob) Delete(context.Context, string) error       { return nil }
func (b *stubBlob) DeletePrefix(context.Context, string) error { return nil }

func (b *stubBlob) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if !b.presign {
		return "", domain.ErrNoSignedURL
	}
	return "https://signed.example.com/" + key, nil
}

func (b *stubBlob) Exists(_ context.Context, key string) (bool, error) {
	_, ok := b.objects[key]
	return ok, nil
}

type stubSink struct {
	mu       sync.Mutex
	terminal []domain.Job
}

func (s *stubSink) Publish(string, int, string, string) {}
func (s *stubSink) PublishTerminal(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = append(s.terminal, j)
}

type denyGate struct{}

func (denyGate) Admit(context.Context, string, domain.JobKind) error {
	return fmt.Errorf("%w: insufficient credit", domain.ErrAdmission)
}

func validFramingParams() []byte {
	return []byte(`{
		"source_ref": "sources/match.mp4",
		"crop_keyframes": [{"time_sec": 0, "rect": {"x": 0, "y": 0, "w": 608, "h": 1080}}],
		"aspect_ratio": "9:16",
		"frame_rate": 30
	}`)
}

func newService(repo *stubRepo, blob *stubBlob, gate domain.AdmissionGate, sink *stubSink) *ExportService {
	if gate == nil {
		gate = domain.AllowAll{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExportService(repo, blob, gate, notify.NewLocal(), sink, logger, 15*time.Minute)
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, nil, &stubSink{})

	job, err := svc.Submit(context.Background(), "user-1", "proj-9", domain.KindFraming, validFramingParams())
	require.NoError(t, err)
	require.Len(t, job.ID, 26) // ULID
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, "user-1", job.Owner)
	require.Equal(t, "proj-9", job.ProjectRef)
	require.False(t, job.CreatedAt.IsZero())

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.JSONEq(t, string(validFramingParams()), string(stored.Params))
}

func TestSubmitRejectsInvalidParamsWithoutCreatingJob(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, nil, &stubSink{})

	_, err := svc.Submit(context.Background(), "user-1", "proj-9", domain.KindFraming, []byte(`{"source_ref":""}`))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Zero(t, repo.count())

	_, err = svc.Submit(context.Background(), "user-1", "proj-9", "hologram", validFramingParams())
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Zero(t, repo.count())

	_, err = svc.Submit(context.Background(), "user-1", "", domain.KindFraming, validFramingParams())
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Zero(t, repo.count())
}

func TestSubmitAdmissionRejection(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, denyGate{}, &stubSink{})

	_, err := svc.Submit(context.Background(), "user-1", "proj-9", domain.KindFraming, validFramingParams())
	require.ErrorIs(t, err, domain.ErrAdmission)
	require.Zero(t, repo.count())
}

func TestCancelPendingPublishesTerminalEvent(t *testing.T) {
	repo := newStubRepo()
	sink := &stubSink{}
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, nil, sink)

	job, err := svc.Submit(context.Background(), "user-1", "proj-9", domain.KindFraming, validFramingParams())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, cancelled.Status)
	require.Len(t, sink.terminal, 1)
	require.Equal(t, job.ID, sink.terminal[0].ID)
}

func TestCancelProcessingOnlySetsFlag(t *testing.T) {
	repo := newStubRepo()
	sink := &stubSink{}
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, nil, sink)

	require.NoError(t, repo.Create(context.Background(), domain.Job{ID: "busy", Status: domain.JobProcessing}))
	job, err := svc.Cancel(context.Background(), "busy")
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, job.Status)
	require.True(t, job.CancelRequested)
	require.Empty(t, sink.terminal) // worker publishes the terminal event
}

func TestDownloadRequiresCompleteJob(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubBlob{objects: map[string][]byte{}}, nil, &stubSink{})
	require.NoError(t, repo.Create(context.Background(), domain.Job{ID: "wip", Status: domain.JobProcessing}))

	_, err := svc.Download(context.Background(), "wip")
	require.ErrorIs(t, err, domain.ErrNotReady)
}

func TestDownloadPrefersSignedURL(t *testing.T) {
	repo := newStubRepo()
	blob := &stubBlob{objects: map[string][]byte{}, presign: true}
	svc := newService(repo, blob, nil, &stubSink{})
	require.NoError(t, repo.Create(context.Background(), domain.Job{
		ID: "done", Status: domain.JobComplete,
		OutputRef: "exports/done/out.mp4", OutputFilename: "out.mp4",
	}))

	dl, err := svc.Download(context.Background(), "done")
	require.NoError(t, err)
	require.Equal(t, "https://signed.example.com/exports/done/out.mp4", dl.URL)
	require.Nil(t, dl.Body)
	require.Equal(t, "out.mp4", dl.Filename)
}

func TestDownloadFallsBackToProxyWithSniffedType(t *testing.T) {
	repo := newStubRepo()
	payload := append([]byte("\x00\x00\x00\x18ftypmp42"), bytes.Repeat([]byte{0}, 64)...)
	blob := &stubBlob{objects: map[string][]byte{"exports/done/out.mp4": payload}}
	svc := newService(repo, blob, nil, &stubSink{})
	require.NoError(t, repo.Create(context.Background(), domain.Job{
		ID: "done", Status: domain.JobComplete,
		OutputRef: "exports/done/out.mp4", OutputFilename: "out.mp4",
	}))

	dl, err := svc.Download(context.Background(), "done")
	require.NoError(t, err)
	require.Empty(t, dl.URL)
	require.NotNil(t, dl.Body)
	defer dl.Body.Close()
	require.Contains(t, dl.ContentType, "video/mp4")

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestCancelUnknownJob(t *testing.T) {
	svc := newService(newStubRepo(), &stubBlob{objects: map[string][]byte{}}, nil, &stubSink{})
	_, err := svc.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
