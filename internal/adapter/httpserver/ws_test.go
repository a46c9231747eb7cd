package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

func dialWS(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.ProgressEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.ProgressEvent
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestProgressWSFirstEventIsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Status: domain.JobPending})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, _ := dialWS(t, ts, "/ws/exports/j1")
	require.NotNil(t, conn)

	ev := readEvent(t, conn)
	require.Equal(t, "j1", ev.JobID)
	require.Equal(t, domain.JobProcessing, ev.Status)
	require.NotNil(t, ev.Progress)
	require.Equal(t, 0, *ev.Progress)
	require.Equal(t, "queued", ev.Message)
}

func TestProgressWSStreamsPublishedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Status: domain.JobProcessing})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, _ := dialWS(t, ts, "/ws/exports/j1")
	require.NotNil(t, conn)
	readEvent(t, conn) // snapshot

	require.Eventually(t, func() bool {
		return env.hub.SubscriberCount("j1") == 1
	}, time.Second, 5*time.Millisecond)

	env.hub.Publish("j1", 42, "rendering", domain.PhaseProcessing)
	ev := readEvent(t, conn)
	require.Equal(t, 42, *ev.Progress)
	require.Equal(t, domain.PhaseProcessing, ev.Phase)
}

func TestProgressWSClosesAfterTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{ID: "j1", Status: domain.JobProcessing})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, _ := dialWS(t, ts, "/ws/exports/j1")
	require.NotNil(t, conn)
	readEvent(t, conn) // snapshot

	require.Eventually(t, func() bool {
		return env.hub.SubscriberCount("j1") == 1
	}, time.Second, 5*time.Millisecond)

	env.hub.PublishTerminal(domain.Job{
		ID: "j1", Status: domain.JobComplete,
		OutputRef: "exports/j1/out.mp4", OutputFilename: "out.mp4",
	})

	ev := readEvent(t, conn)
	require.Equal(t, domain.JobComplete, ev.Status)
	require.Equal(t, "out.mp4", ev.OutputFilename)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestProgressWSUnknownJobRejectsHandshake(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, resp := dialWS(t, ts, "/ws/exports/ghost")
	require.Nil(t, conn)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressWSTerminalSnapshotSendsFinalEventAndCloses(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(domain.Job{
		ID: "j1", Status: domain.JobError, Error: "render failed",
	})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, _ := dialWS(t, ts, "/ws/exports/j1")
	require.NotNil(t, conn)

	ev := readEvent(t, conn)
	require.Equal(t, domain.JobError, ev.Status)
	require.Equal(t, "render failed", ev.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
