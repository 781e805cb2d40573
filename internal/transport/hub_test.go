package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalsync/internal/storage"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (r *recordingHandler) Handle(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return r.err
}

func (r *recordingHandler) received() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, Command{Action: ActionStart, Kind: storage.KindDocuments}.Validate())
	assert.ErrorIs(t, Command{Action: "jump", Kind: storage.KindDocuments}.Validate(), ErrBadCommand)
	assert.ErrorIs(t, Command{Action: ActionStop, Kind: "music"}.Validate(), ErrBadCommand)
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestHubBroadcastsInOrder(t *testing.T) {
	h := NewHub()
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.Send(context.Background(), Event{Kind: storage.KindDocuments, CurrentIndex: i, Status: StatusRunning}))
	}
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		assert.Equal(t, i, ev.CurrentIndex)
	}
}

func TestHubDispatchesCommands(t *testing.T) {
	h := NewHub()
	rec := &recordingHandler{}
	h.OnCommand(rec)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionStart, Kind: storage.KindProvider, CountOnly: true}))
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Command{Action: ActionStart, Kind: storage.KindProvider, CountOnly: true}, rec.received()[0])

	require.NoError(t, conn.WriteJSON(Command{Action: "jump", Kind: storage.KindProvider}))
	ev := readEvent(t, conn)
	assert.Equal(t, StatusRejected, ev.Status)
	assert.Contains(t, ev.Message, "unknown action")
	assert.Len(t, rec.received(), 1)
}

func TestHubReplaysLatestToNewClients(t *testing.T) {
	h := NewHub()
	require.NoError(t, h.Send(context.Background(), Event{Kind: storage.KindCertificates, Message: "old", Status: StatusRunning}))
	require.NoError(t, h.Send(context.Background(), Event{Kind: storage.KindCertificates, Message: "paused", Status: StatusPaused}))

	conn := dial(t, h)
	ev := readEvent(t, conn)
	assert.Equal(t, "paused", ev.Message)
	assert.Equal(t, StatusPaused, ev.Status)
}

func TestHubCloseDisconnects(t *testing.T) {
	h := NewHub()
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.Close()
	assert.Equal(t, 0, h.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
