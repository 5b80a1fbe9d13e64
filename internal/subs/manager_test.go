package subs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serverReq is one request observed by the fake server, paired with the
// connection it arrived on and the subscription ID assigned to it (zero for
// unsubscribes).
type serverReq struct {
	conn  *websocket.Conn
	req   wsRequest
	subID int64
}

// fakeServer speaks just enough of the subscription protocol: it confirms
// every *Subscribe request with a fresh subscription ID and records every
// request on a channel for the test to inspect.
type fakeServer struct {
	server  *httptest.Server
	reqs    chan serverReq
	writeMu sync.Mutex
	nextSub atomic.Int64

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{reqs: make(chan serverReq, 16)}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req wsRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}

			var subID int64
			if strings.HasSuffix(req.Method, "Subscribe") {
				subID = fs.nextSub.Add(1)
				fs.writeJSON(conn, wsSubscribeResponse{
					JSONRPC: "2.0",
					ID:      req.ID,
					Result:  subID,
				})
			}
			fs.reqs <- serverReq{conn: conn, req: req, subID: subID}
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeServer) writeJSON(conn *websocket.Conn, v interface{}) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	conn.WriteJSON(v)
}

func (fs *fakeServer) waitRequest(t *testing.T, method string) serverReq {
	t.Helper()
	for {
		select {
		case sr := <-fs.reqs:
			if sr.req.Method == method {
				return sr
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s request", method)
		}
	}
}

func (fs *fakeServer) notifyAccount(t *testing.T, conn *websocket.Conn, subID, lamports, slot int64, data []byte) {
	t.Helper()

	value, err := json.Marshal(wsAccountValue{
		Lamports: lamports,
		Owner:    "owner",
		Data:     []string{base64.StdEncoding.EncodeToString(data), "base64"},
	})
	if err != nil {
		t.Fatalf("marshal account value: %v", err)
	}
	fs.writeJSON(conn, wsNotification{
		JSONRPC: "2.0",
		Method:  "accountNotification",
		Params: &wsNotificationParams{
			Subscription: subID,
			Result: wsNotificationResult{
				Context: &wsContext{Slot: slot},
				Value:   value,
			},
		},
	})
}

func testManagerConfig() Config {
	return Config{
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 3,
		PingInterval:         1 * time.Second,
		ReadTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		SubscribeTimeout:     2 * time.Second,
	}
}

func TestManager_SubscribeAccountDeliversUpdates(t *testing.T) {
	fs := newFakeServer(t)

	m, err := Dial(context.Background(), fs.url(), testManagerConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.Close()

	if m.State() != StateConnected {
		t.Errorf("expected connected state, got %s", m.State())
	}

	updates := make(chan AccountUpdate, 4)
	if err := m.SubscribeAccount(context.Background(), "vault1", func(u AccountUpdate) {
		updates <- u
	}); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	sr := fs.waitRequest(t, "accountSubscribe")
	if got := sr.req.Params[0]; got != "vault1" {
		t.Errorf("expected address vault1 in params, got %v", got)
	}

	fs.notifyAccount(t, sr.conn, sr.subID, 5_000_000, 777, []byte{1, 2, 3})

	select {
	case u := <-updates:
		if u.Address != "vault1" {
			t.Errorf("expected address vault1, got %s", u.Address)
		}
		if u.Lamports != 5_000_000 {
			t.Errorf("expected 5000000 lamports, got %d", u.Lamports)
		}
		if u.Slot != 777 {
			t.Errorf("expected slot 777, got %d", u.Slot)
		}
		if len(u.Data) != 3 || u.Data[0] != 1 {
			t.Errorf("unexpected data %v", u.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for account update")
	}
}

func TestManager_SubscribeLogsDeliversEvents(t *testing.T) {
	fs := newFakeServer(t)

	m, err := Dial(context.Background(), fs.url(), testManagerConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.Close()

	events := make(chan LogEvent, 4)
	if err := m.SubscribeLogs(context.Background(), "program1", func(e LogEvent) {
		events <- e
	}); err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}

	sr := fs.waitRequest(t, "logsSubscribe")

	value, err := json.Marshal(wsLogsValue{
		Signature: "sig1",
		Logs:      []string{"Program log: fee"},
	})
	if err != nil {
		t.Fatalf("marshal logs value: %v", err)
	}
	fs.writeJSON(sr.conn, wsNotification{
		JSONRPC: "2.0",
		Method:  "logsNotification",
		Params: &wsNotificationParams{
			Subscription: sr.subID,
			Result: wsNotificationResult{
				Context: &wsContext{Slot: 42},
				Value:   value,
			},
		},
	})

	select {
	case e := <-events:
		if e.Signature != "sig1" {
			t.Errorf("expected sig1, got %s", e.Signature)
		}
		if e.Slot != 42 {
			t.Errorf("expected slot 42, got %d", e.Slot)
		}
		if len(e.Logs) != 1 {
			t.Errorf("expected 1 log line, got %d", len(e.Logs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for log event")
	}
}

func TestManager_ReconnectReplaysSubscriptions(t *testing.T) {
	fs := newFakeServer(t)

	m, err := Dial(context.Background(), fs.url(), testManagerConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.Close()

	updates := make(chan AccountUpdate, 4)
	if err := m.SubscribeAccount(context.Background(), "vault1", func(u AccountUpdate) {
		updates <- u
	}); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	first := fs.waitRequest(t, "accountSubscribe")

	// Kill the connection server-side; the manager must reconnect and
	// replay the subscription without the caller doing anything.
	first.conn.Close()

	second := fs.waitRequest(t, "accountSubscribe")
	if second.subID == first.subID {
		t.Errorf("expected a fresh subscription ID after reconnect")
	}
	if got := second.req.Params[0]; got != "vault1" {
		t.Errorf("expected resubscribe for vault1, got %v", got)
	}

	// Updates on the new subscription ID still reach the original handler.
	fs.notifyAccount(t, second.conn, second.subID, 9_000_000, 900, nil)

	select {
	case u := <-updates:
		if u.Lamports != 9_000_000 {
			t.Errorf("expected 9000000 lamports, got %d", u.Lamports)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update after reconnect")
	}
}

func TestManager_GivesUpAfterExhaustedReconnects(t *testing.T) {
	fs := newFakeServer(t)

	cfg := testManagerConfig()
	cfg.MaxReconnectAttempts = 2

	m, err := Dial(context.Background(), fs.url(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.Close()

	// Tear the server down entirely so every reconnect attempt fails.
	fs.server.CloseClientConnections()
	fs.server.Close()

	select {
	case <-m.GaveUp():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for gave-up signal")
	}

	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", m.State())
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	fs := newFakeServer(t)

	m, err := Dial(context.Background(), fs.url(), testManagerConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.Close()

	if err := m.SubscribeAccount(context.Background(), "vault1", func(AccountUpdate) {}); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	sub := fs.waitRequest(t, "accountSubscribe")

	if err := m.Unsubscribe(context.Background(), AccountKey("vault1")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	unsub := fs.waitRequest(t, "accountUnsubscribe")
	gotID, ok := unsub.req.Params[0].(float64)
	if !ok || int64(gotID) != sub.subID {
		t.Errorf("expected unsubscribe for subID %d, got %v", sub.subID, unsub.req.Params[0])
	}

	if err := m.Unsubscribe(context.Background(), AccountKey("vault1")); err == nil {
		t.Error("expected error unsubscribing an unknown key")
	}
}

func TestManager_SubscribeAfterClose(t *testing.T) {
	fs := newFakeServer(t)

	m, err := Dial(context.Background(), fs.url(), testManagerConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	m.Close()

	if err := m.SubscribeAccount(context.Background(), "vault1", func(AccountUpdate) {}); err == nil {
		t.Error("expected error subscribing after close")
	}

	// Double close is safe.
	if err := m.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
}
