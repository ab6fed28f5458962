package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"atmoslofi/internal/job"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func receive(t *testing.T, c <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-c:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestPublishReachesJobAndAllSubscribers(t *testing.T) {
	h := startHub(t)
	one := h.Subscribe("j1")
	all := h.Subscribe(AllJobs)
	other := h.Subscribe("j2")
	defer one.Close()
	defer all.Close()
	defer other.Close()

	h.Publish(job.Job{ID: "j1", Status: job.StatusProcessing, Progress: 42})

	m := receive(t, one.C)
	assert.Equal(t, MessageJobUpdate, m.Type)
	assert.Equal(t, 42.0, m.Job.Progress)
	assert.Equal(t, "j1", receive(t, all.C).JobID)

	select {
	case m := <-other.C:
		t.Fatalf("unexpected message for other job: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseEndsSubscription(t *testing.T) {
	h := startHub(t)
	sub := h.Subscribe("j1")
	sub.Close()
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestWebsocketStreamsUpdates(t *testing.T) {
	h := startHub(t)
	up := Upgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(conn, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/j9", nil)
	require.NoError(t, err)
	defer conn.Close()

	// registration happens asynchronously after the upgrade, so keep publishing until read
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.Publish(job.Job{ID: "j9", Status: job.StatusDone, Progress: 100})
			}
		}
	}()

	var got Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "j9", got.JobID)
	assert.Equal(t, job.StatusDone, got.Job.Status)
}

func TestUpgraderOrigins(t *testing.T) {
	up := Upgrader([]string{"http://localhost:3000"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://evil.test")
	assert.False(t, up.CheckOrigin(r))
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, up.CheckOrigin(r))
}
