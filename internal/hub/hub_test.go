package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/domain"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, TypeWelcome, msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: kind, Payload: raw}))
}

func TestNotifyRequiresPermission(t *testing.T) {
	h, url := startHub(t)

	assert.False(t, h.PermissionGranted())
	assert.ErrorIs(t, h.Notify(delivery.Notification{ReminderID: 1}), ErrNoSubscribers)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, h.PermissionGranted(), "connecting alone does not grant permission")

	send(t, conn, TypePermission, permissionPayload{Granted: true})
	require.Eventually(t, h.PermissionGranted, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Notify(delivery.Notification{ReminderID: 9, Title: "Напоминание", Body: "Call"}))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeNotification, msg.Type)
	var n delivery.Notification
	require.NoError(t, json.Unmarshal(msg.Payload, &n))
	assert.Equal(t, int64(9), n.ReminderID)
	assert.Equal(t, "Call", n.Body)
}

func TestActionsAreForwarded(t *testing.T) {
	h, url := startHub(t)

	var mu sync.Mutex
	var got []domain.NotificationAction
	h.OnAction(func(a domain.NotificationAction) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a)
	})

	conn := dial(t, url)
	send(t, conn, TypeAction, actionPayload{ReminderID: 4, Action: "snooze"})
	send(t, conn, TypeAction, actionPayload{ReminderID: 4, Action: "explode"})
	send(t, conn, TypeAction, actionPayload{ReminderID: 5, Action: "acknowledge"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.NotificationAction{ID: 4, Action: domain.ActionSnooze}, got[0])
	assert.Equal(t, domain.NotificationAction{ID: 5, Action: domain.ActionAcknowledge}, got[1])
}

func TestPublishReachesAllClients(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	h.Publish(domain.ReminderEvent{Kind: domain.ReminderCompleted, Reminder: &domain.Reminder{ID: 3}})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeRemindersChange, msg.Type)
	assert.JSONEq(t, `{"event":"reminder_completed","reminder_id":3}`, string(msg.Payload))
}

func TestDisconnectUnregisters(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionsAfterStopDoNotBlock(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	var returned atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r)
		returned.Add(1)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// more connections than the register buffer holds
	const conns = 20
	for i := 0; i < conns; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		conn.Close()
	}

	require.Eventually(t, func() bool { return returned.Load() == conns }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Clients())
}
