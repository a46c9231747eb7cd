// Package hub fans ephemeral progress events out to per-job WebSocket
// subscribers.
//
// The hub is advisory: the Job Store stays authoritative, publishing never
// blocks a worker, and a job with zero subscribers costs one map lookup per
// publish. Subscribers hold a bounded queue with a latest-wins drop policy;
// progress is cumulative, so discarded stale events carry no information.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Time allowed to write one message to the peer.
const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the hub drives. Tests substitute a
// fake; production passes the upgraded gorilla connection.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Options tune subscriber buffering and keepalive.
type Options struct {
	QueueCapacity int           // per-subscriber outbound buffer (default 32)
	Keepalive     time.Duration // ping period (default 30s)
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 32
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 30 * time.Second
	}
	return o
}

// Hub maps job ids to subscriber sets.
type Hub struct {
	opts Options

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*subscriber]struct{}
}

// New constructs an empty hub.
func New(opts Options) *Hub {
	return &Hub{opts: opts.withDefaults(), jobs: make(map[string]*jobEntry)}
}

// entry returns the job's entry, creating it when create is set. Entries are
// created on subscribe only, so publishing to an unwatched job allocates
// nothing.
func (h *Hub) entry(jobID string, create bool) *jobEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.jobs[jobID]
	if e == nil && create {
		e = &jobEntry{subs: make(map[*subscriber]struct{})}
		h.jobs[jobID] = e
	}
	return e
}

// Publish delivers a processing progress event to the job's subscribers.
// No subscribers: O(1) no-op.
func (h *Hub) Publish(jobID string, percent int, message, phase string) {
	e := h.entry(jobID, false)
	if e == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p := percent
	e.mu.Lock()
	e.seq++
	ev := domain.ProgressEvent{
		JobID:    jobID,
		Seq:      e.seq,
		Status:   domain.JobProcessing,
		Progress: &p,
		Message:  message,
		Phase:    phase,
	}
	for s := range e.subs {
		s.enqueue(ev)
	}
	e.mu.Unlock()
	observability.ProgressEventsTotal.Inc()
}

// PublishTerminal delivers the final event with the full payload and retires
// the job's entry; subscribers close their transports after sending it.
func (h *Hub) PublishTerminal(job domain.Job) {
	e := h.entry(job.ID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.seq++
	ev := eventFromJob(job, e.seq)
	for s := range e.subs {
		s.enqueue(ev)
	}
	detached := len(e.subs)
	e.subs = make(map[*subscriber]struct{})
	e.mu.Unlock()

	h.mu.Lock()
	delete(h.jobs, job.ID)
	h.mu.Unlock()
	// Detached subscribers close themselves after flushing the final event;
	// their remove() will miss the deleted entry, so account for them here.
	observability.SubscribersGauge.Sub(float64(detached))
	observability.ProgressEventsTotal.Inc()
}

// Subscribe attaches a connection to a job and immediately sends a synthetic
// event built from the store snapshot so the client is caught up. For a
// terminal snapshot the single final event is sent and the transport closed.
func (h *Hub) Subscribe(snapshot domain.Job, conn Conn) {
	if snapshot.Status.Terminal() {
		s := newSubscriber(h, snapshot.ID, conn, h.opts)
		s.enqueue(eventFromJob(snapshot, 1))
		go s.writePump()
		go s.readPump()
		return
	}

	e := h.entry(snapshot.ID, true)
	s := newSubscriber(h, snapshot.ID, conn, h.opts)
	e.mu.Lock()
	e.seq++
	s.enqueue(eventFromJob(snapshot, e.seq))
	e.subs[s] = struct{}{}
	e.mu.Unlock()

	observability.SubscribersGauge.Inc()
	go s.writePump()
	go s.readPump()
}

// SubscriberCount reports the live subscriber count for a job (tests,
// diagnostics).
func (h *Hub) SubscriberCount(jobID string) int {
	e := h.entry(jobID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (h *Hub) remove(jobID string, s *subscriber) {
	e := h.entry(jobID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	_, present := e.subs[s]
	delete(e.subs, s)
	e.mu.Unlock()
	if present {
		observability.SubscribersGauge.Dec()
	}
}

// eventFromJob builds the wire event reflecting a store snapshot.
func eventFromJob(j domain.Job, seq uint64) domain.ProgressEvent {
	ev := domain.ProgressEvent{JobID: j.ID, Seq: seq, Status: j.Status}
	switch j.Status {
	case domain.JobPending:
		// The wire protocol has no pending status; a queued job reads as 0%.
		zero := 0
		ev.Status = domain.JobProcessing
		ev.Progress = &zero
		ev.Message = "queued"
	case domain.JobProcessing:
		zero := 0
		ev.Progress = &zero
	case domain.JobComplete:
		ev.OutputRef = j.OutputRef
		ev.OutputFilename = j.OutputFilename
	case domain.JobError:
		ev.Error = j.Error
	}
	return ev
}

// subscriber is one transient connection interested in one job.
type subscriber struct {
	hub       *Hub
	jobID     string
	conn      Conn
	queue     chan domain.ProgressEvent
	pong      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	keepalive time.Duration
}

func newSubscriber(h *Hub, jobID string, conn Conn, opts Options) *subscriber {
	return &subscriber{
		hub:       h,
		jobID:     jobID,
		conn:      conn,
		queue:     make(chan domain.ProgressEvent, opts.QueueCapacity),
		pong:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		keepalive: opts.Keepalive,
	}
}

// enqueue never blocks: on a full queue the oldest pending event is dropped
// (latest-wins).
func (s *subscriber) enqueue(ev domain.ProgressEvent) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			observability.ProgressEventsDropped.Inc()
		default:
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.hub.remove(s.jobID, s)
	})
}

// writePump drains the queue to the transport and pings on the keepalive
// period. A write failure or a terminal event ends the connection.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.keepalive)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				slog.Debug("subscriber write failed", slog.String("job_id", s.jobID), slog.Any("error", err))
				return
			}
			if ev.Terminal() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-s.pong:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames: pongs extend the read deadline, the text
// frame "ping" is answered with "pong", anything else is ignored. A read
// error (including a missed keepalive) unsubscribes. The write pump owns the
// connection's write side, so the pong reply is relayed rather than written
// here; one pending pong answers any number of outstanding pings.
func (s *subscriber) readPump() {
	defer s.close()
	pongWait := 2 * s.keepalive
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage && string(data) == "ping" {
			select {
			case s.pong <- struct{}{}:
			default:
			}
		}
	}
}
