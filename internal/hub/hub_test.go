package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/domain"
)

type fakeFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	events chan domain.ProgressEvent
	frames chan fakeFrame
	reads  chan fakeFrame

	// gorilla connections allow one writer at a time; overlapping writes are a
	// protocol violation the fake records instead of corrupting frames.
	writers    atomic.Int32
	overlapped atomic.Bool

	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan domain.ProgressEvent, 16),
		frames: make(chan fakeFrame, 16),
		reads:  make(chan fakeFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) enterWrite() func() {
	if c.writers.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	return func() { c.writers.Add(-1) }
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	defer c.enterWrite()()
	ev, ok := v.(domain.ProgressEvent)
	if !ok {
		return errors.New("unexpected payload type")
	}
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.events <- ev:
		return nil
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	defer c.enterWrite()()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.frames <- fakeFrame{messageType, data}:
		return nil
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	case f := <-c.reads:
		return f.messageType, f.data, nil
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func recvEvent(t *testing.T, c *fakeConn) domain.ProgressEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.ProgressEvent{}
	}
}

func recvFrame(t *testing.T, c *fakeConn) fakeFrame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return fakeFrame{}
	}
}

func waitClosed(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func pendingJob(id string) domain.Job {
	return domain.Job{ID: id, Kind: domain.KindFraming, Status: domain.JobPending}
}

func TestSubscribeSendsSnapshotEvent(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()

	h.Subscribe(pendingJob("job-1"), conn)

	ev := recvEvent(t, conn)
	require.Equal(t, "job-1", ev.JobID)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, domain.JobProcessing, ev.Status)
	require.NotNil(t, ev.Progress)
	require.Equal(t, 0, *ev.Progress)
	require.Equal(t, 1, h.SubscriberCount("job-1"))
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	h := New(Options{})
	a, b := newFakeConn(), newFakeConn()

	h.Subscribe(pendingJob("job-1"), a)
	h.Subscribe(pendingJob("job-1"), b)
	recvEvent(t, a)
	recvEvent(t, b)

	h.Publish("job-1", 40, "rendering", domain.PhaseProcessing)

	for _, c := range []*fakeConn{a, b} {
		ev := recvEvent(t, c)
		require.Equal(t, domain.JobProcessing, ev.Status)
		require.Equal(t, 40, *ev.Progress)
		require.Equal(t, domain.PhaseProcessing, ev.Phase)
	}
}

func TestSequenceIsMonotonicPerSubscriber(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()
	h.Subscribe(pendingJob("job-1"), conn)

	for i := 1; i <= 5; i++ {
		h.Publish("job-1", i*10, "", domain.PhaseProcessing)
	}

	var last uint64
	for i := 0; i < 6; i++ {
		ev := recvEvent(t, conn)
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	h := New(Options{})
	h.Publish("nobody-watching", 10, "", domain.PhaseProcessing)
	require.Equal(t, 0, h.SubscriberCount("nobody-watching"))
}

func TestTerminalEventClosesConnection(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()
	h.Subscribe(pendingJob("job-1"), conn)
	recvEvent(t, conn)

	h.PublishTerminal(domain.Job{
		ID:             "job-1",
		Status:         domain.JobComplete,
		OutputRef:      "exports/job-1/out.mp4",
		OutputFilename: "out.mp4",
	})

	ev := recvEvent(t, conn)
	require.Equal(t, domain.JobComplete, ev.Status)
	require.Equal(t, "exports/job-1/out.mp4", ev.OutputRef)
	require.Equal(t, "out.mp4", ev.OutputFilename)

	f := recvFrame(t, conn)
	require.Equal(t, websocket.CloseMessage, f.messageType)
	waitClosed(t, conn)
	require.Equal(t, 0, h.SubscriberCount("job-1"))
}

func TestSubscribeToTerminalJobSendsFinalEventOnly(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()

	h.Subscribe(domain.Job{
		ID:     "done-1",
		Status: domain.JobError,
		Error:  "source clip unreadable",
	}, conn)

	ev := recvEvent(t, conn)
	require.Equal(t, domain.JobError, ev.Status)
	require.Equal(t, "source clip unreadable", ev.Error)
	waitClosed(t, conn)
	require.Equal(t, 0, h.SubscriberCount("done-1"))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := New(Options{QueueCapacity: 2})
	s := newSubscriber(h, "job-1", newFakeConn(), h.opts.withDefaults())

	for i := 1; i <= 5; i++ {
		p := i * 10
		s.enqueue(domain.ProgressEvent{JobID: "job-1", Seq: uint64(i), Progress: &p})
	}

	// Only the two newest events survive.
	first := <-s.queue
	second := <-s.queue
	require.Equal(t, uint64(4), first.Seq)
	require.Equal(t, uint64(5), second.Seq)
	select {
	case <-s.queue:
		t.Fatal("queue should be empty")
	default:
	}
}

func TestApplicationPingGetsPong(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()
	h.Subscribe(pendingJob("job-1"), conn)
	recvEvent(t, conn)

	conn.reads <- fakeFrame{websocket.TextMessage, []byte("ping")}

	f := recvFrame(t, conn)
	require.Equal(t, websocket.TextMessage, f.messageType)
	require.Equal(t, "pong", string(f.data))
}

func TestPingRepliesStayOnTheWritePump(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()
	h.Subscribe(pendingJob("job-1"), conn)
	recvEvent(t, conn)

	var pongs atomic.Int32
	drained := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			case <-conn.events:
			case f := <-conn.frames:
				if f.messageType == websocket.TextMessage && string(f.data) == "pong" {
					pongs.Add(1)
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		h.Publish("job-1", i%100, "rendering", domain.PhaseProcessing)
		conn.reads <- fakeFrame{websocket.TextMessage, []byte("ping")}
	}

	require.Eventually(t, func() bool { return pongs.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-drained
	require.False(t, conn.overlapped.Load(), "connection written from more than one goroutine")
}

func TestTerminalDetachReleasesSubscriberGauge(t *testing.T) {
	base := testutil.ToFloat64(observability.SubscribersGauge)
	h := New(Options{})
	a, b := newFakeConn(), newFakeConn()
	h.Subscribe(pendingJob("job-g"), a)
	h.Subscribe(pendingJob("job-g"), b)
	recvEvent(t, a)
	recvEvent(t, b)
	require.Equal(t, base+2, testutil.ToFloat64(observability.SubscribersGauge))

	h.PublishTerminal(domain.Job{ID: "job-g", Status: domain.JobCancelled})
	waitClosed(t, a)
	waitClosed(t, b)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(observability.SubscribersGauge) == base
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	h := New(Options{})
	conn := newFakeConn()
	h.Subscribe(pendingJob("job-1"), conn)
	recvEvent(t, conn)
	require.Equal(t, 1, h.SubscriberCount("job-1"))

	conn.Close()

	require.Eventually(t, func() bool {
		return h.SubscriberCount("job-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Publishing afterwards must not panic or deliver.
	h.Publish("job-1", 50, "", domain.PhaseProcessing)
}
