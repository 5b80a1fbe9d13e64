package subs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type subKind int

const (
	kindAccount subKind = iota
	kindLogs
)

// record is one subscription: target plus handler, stored so reconnection
// can replay it without the caller re-registering.
type record struct {
	key       string
	kind      subKind
	target    string // account address or program id
	accountFn AccountHandler
	logsFn    LogsHandler

	subID int64
	queue chan interface{} // AccountUpdate or LogEvent, serial per key
}

// Manager implements the push subscription manager over gorilla/websocket.
type Manager struct {
	endpoint string
	cfg      Config
	logger   *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	state atomic.Int32

	records   map[string]*record
	bySubID   map[int64]*record
	recordsMu sync.RWMutex

	// pending maps request ID to channel waiting for subscription ID
	pending   map[uint64]chan int64
	pendingMu sync.Mutex

	requestID atomic.Uint64

	done   chan struct{}
	gaveUp chan struct{}
	closed atomic.Bool

	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// Dial connects to the WebSocket endpoint and starts the manager.
func Dial(ctx context.Context, endpoint string, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}

	m := &Manager{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger.Named("subs"),
		records:  make(map[string]*record),
		bySubID:  make(map[int64]*record),
		pending:  make(map[uint64]chan int64),
		done:     make(chan struct{}),
		gaveUp:   make(chan struct{}),
	}

	m.state.Store(int32(StateConnecting))
	if err := m.connect(ctx); err != nil {
		m.state.Store(int32(StateDisconnected))
		return nil, err
	}
	m.state.Store(int32(StateConnected))

	m.wg.Add(2)
	go m.readLoop()
	go m.pingLoop()

	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	return ConnState(m.state.Load())
}

// GaveUp is closed once reconnection attempts are exhausted. After that the
// manager delivers nothing further.
func (m *Manager) GaveUp() <-chan struct{} {
	return m.gaveUp
}

// AccountKey returns the subscription key for an account address.
func AccountKey(address string) string { return "account:" + address }

// LogsKey returns the subscription key for a program's logs.
func LogsKey(program string) string { return "logs:" + program }

// connect establishes the WebSocket connection.
func (m *Manager) connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	m.conn = conn
	return nil
}

// SubscribeAccount subscribes fn to balance/data changes of address.
// Subscribing the same address again replaces the handler.
func (m *Manager) SubscribeAccount(ctx context.Context, address string, fn AccountHandler) error {
	rec := &record{
		key:       AccountKey(address),
		kind:      kindAccount,
		target:    address,
		accountFn: fn,
	}
	return m.subscribe(ctx, rec)
}

// SubscribeLogs subscribes fn to log notifications mentioning program.
func (m *Manager) SubscribeLogs(ctx context.Context, program string, fn LogsHandler) error {
	rec := &record{
		key:    LogsKey(program),
		kind:   kindLogs,
		target: program,
		logsFn: fn,
	}
	return m.subscribe(ctx, rec)
}

func (m *Manager) subscribe(ctx context.Context, rec *record) error {
	if m.closed.Load() {
		return fmt.Errorf("manager closed")
	}

	subID, err := m.subscribeRemote(ctx, rec.kind, rec.target)
	if err != nil {
		return err
	}

	rec.subID = subID
	rec.queue = make(chan interface{}, 1024)

	m.recordsMu.Lock()
	if old, ok := m.records[rec.key]; ok {
		delete(m.bySubID, old.subID)
		close(old.queue)
	}
	m.records[rec.key] = rec
	m.bySubID[subID] = rec
	m.recordsMu.Unlock()

	m.wg.Add(1)
	go m.dispatchLoop(rec)

	m.logger.Info("subscribed",
		zap.String("key", rec.key),
		zap.Int64("subID", subID))
	return nil
}

// subscribeRemote sends the subscribe request and waits for the server to
// confirm with a subscription ID. It does not touch the record tables.
func (m *Manager) subscribeRemote(ctx context.Context, kind subKind, target string) (int64, error) {
	reqID := m.requestID.Add(1)

	var req wsRequest
	switch kind {
	case kindAccount:
		req = wsRequest{
			JSONRPC: "2.0",
			ID:      reqID,
			Method:  "accountSubscribe",
			Params: []interface{}{
				target,
				map[string]string{"encoding": "base64", "commitment": "confirmed"},
			},
		}
	case kindLogs:
		req = wsRequest{
			JSONRPC: "2.0",
			ID:      reqID,
			Method:  "logsSubscribe",
			Params: []interface{}{
				map[string]interface{}{"mentions": []string{target}},
				map[string]string{"commitment": "confirmed"},
			},
		}
	}

	confirmCh := make(chan int64, 1)
	m.pendingMu.Lock()
	m.pending[reqID] = confirmCh
	m.pendingMu.Unlock()

	removePending := func() {
		m.pendingMu.Lock()
		delete(m.pending, reqID)
		m.pendingMu.Unlock()
	}

	m.connMu.Lock()
	if m.conn == nil {
		m.connMu.Unlock()
		removePending()
		return 0, fmt.Errorf("not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err := m.conn.WriteJSON(req)
	m.connMu.Unlock()

	if err != nil {
		removePending()
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case subID := <-confirmCh:
		return subID, nil
	case <-time.After(m.cfg.SubscribeTimeout):
		removePending()
		return 0, fmt.Errorf("subscription timeout after %s", m.cfg.SubscribeTimeout)
	case <-m.done:
		return 0, fmt.Errorf("manager closed")
	case <-ctx.Done():
		removePending()
		return 0, ctx.Err()
	}
}

// Unsubscribe removes the subscription for key. The remote unsubscribe is
// best effort; the record is dropped either way.
func (m *Manager) Unsubscribe(ctx context.Context, key string) error {
	m.recordsMu.Lock()
	rec, ok := m.records[key]
	if ok {
		delete(m.records, key)
		delete(m.bySubID, rec.subID)
		close(rec.queue)
	}
	m.recordsMu.Unlock()

	if !ok {
		return fmt.Errorf("no subscription for key %q", key)
	}

	method := "accountUnsubscribe"
	if rec.kind == kindLogs {
		method = "logsUnsubscribe"
	}
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      m.requestID.Add(1),
		Method:  method,
		Params:  []interface{}{rec.subID},
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return nil
	}
	m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write unsubscribe: %w", err)
	}
	return nil
}

// Close closes the connection and all subscription records.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil // Already closed
	}

	close(m.done)

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.conn.Close()
	}
	m.connMu.Unlock()

	m.recordsMu.Lock()
	for key, rec := range m.records {
		close(rec.queue)
		delete(m.records, key)
		delete(m.bySubID, rec.subID)
	}
	m.recordsMu.Unlock()

	m.pendingMu.Lock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	m.state.Store(int32(StateDisconnected))
	m.wg.Wait()
	return nil
}

// readLoop reads messages from the WebSocket and dispatches them.
func (m *Manager) readLoop() {
	defer m.wg.Done()

	for !m.closed.Load() {
		m.connMu.Lock()
		conn := m.conn
		m.connMu.Unlock()

		if conn == nil {
			select {
			case <-m.done:
				return
			case <-m.gaveUp:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.closed.Load() {
				return
			}

			if !m.reconnecting.Swap(true) {
				m.state.Store(int32(StateReconnecting))
				go m.reconnect()
			}

			select {
			case <-m.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		m.handleMessage(message)
	}
}

// reconnect re-dials with exponential backoff up to the configured attempt
// bound, then replays every stored subscription record.
func (m *Manager) reconnect() {
	defer m.reconnecting.Store(false)

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	delay := m.cfg.ReconnectDelay
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		if m.closed.Load() {
			return
		}
		if m.cfg.OnReconnectAttempt != nil {
			m.cfg.OnReconnectAttempt(attempt)
		}

		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.cfg.MaxReconnectDelay {
			delay = m.cfg.MaxReconnectDelay
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.connect(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		m.state.Store(int32(StateConnected))
		m.logger.Info("reconnected", zap.Int("attempt", attempt))
		m.resubscribeAll()
		return
	}

	// Terminal: stop retrying and tell the caller.
	m.logger.Error("reconnect attempts exhausted",
		zap.Int("attempts", m.cfg.MaxReconnectAttempts),
		zap.Error(ErrGaveUp))
	m.state.Store(int32(StateDisconnected))
	close(m.gaveUp)
}

// resubscribeAll replays every stored (key, callback) record as a fresh
// subscription. Individual failures are reported but do not block the rest.
func (m *Manager) resubscribeAll() {
	m.recordsMu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.recordsMu.RUnlock()

	for _, rec := range records {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)
		newSubID, err := m.subscribeRemote(ctx, rec.kind, rec.target)
		cancel()

		if err != nil {
			m.logger.Error("resubscribe failed",
				zap.String("key", rec.key),
				zap.Error(err))
			continue
		}

		m.recordsMu.Lock()
		delete(m.bySubID, rec.subID)
		rec.subID = newSubID
		m.bySubID[newSubID] = rec
		m.recordsMu.Unlock()

		m.logger.Info("resubscribed",
			zap.String("key", rec.key),
			zap.Int64("subID", newSubID))
	}
}

// dispatchLoop drains one record's queue, invoking the caller's handler with
// panic isolation. Serial per key so per-mint bookkeeping sees updates in
// order; independent keys run concurrently.
func (m *Manager) dispatchLoop(rec *record) {
	defer m.wg.Done()

	for item := range rec.queue {
		m.invoke(rec, item)
	}
}

func (m *Manager) invoke(rec *record, item interface{}) {
	defer func() {
		if r := recover(); r != nil {
			// A broken caller callback must never take down the manager.
			m.logger.Error("subscription handler panicked",
				zap.String("key", rec.key),
				zap.Any("panic", r))
		}
	}()

	switch v := item.(type) {
	case AccountUpdate:
		if rec.accountFn != nil {
			rec.accountFn(v)
		}
	case LogEvent:
		if rec.logsFn != nil {
			rec.logsFn(v)
		}
	}
}

// handleMessage processes one incoming WebSocket message.
func (m *Manager) handleMessage(message []byte) {
	// Subscription confirmation first
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		m.handleSubscribeResponse(&resp)
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil {
		switch notif.Method {
		case "accountNotification":
			m.handleAccountNotification(&notif)
			return
		case "logsNotification":
			m.handleLogsNotification(&notif)
			return
		}
	}

	var errResp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		// Pending subscribe will time out; nothing else to do here.
		m.logger.Warn("ws error response",
			zap.Int("code", errResp.Error.Code),
			zap.String("message", errResp.Error.Message))
	}
}

func (m *Manager) handleSubscribeResponse(resp *wsSubscribeResponse) {
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp.Result:
		default:
		}
	}
}

func (m *Manager) handleAccountNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}

	var value wsAccountValue
	if err := json.Unmarshal(notif.Params.Result.Value, &value); err != nil {
		m.logger.Warn("malformed account notification", zap.Error(err))
		return
	}

	update := AccountUpdate{Lamports: value.Lamports}
	if notif.Params.Result.Context != nil {
		update.Slot = notif.Params.Result.Context.Slot
	}
	if len(value.Data) >= 1 && value.Data[0] != "" {
		data, err := base64.StdEncoding.DecodeString(value.Data[0])
		if err == nil {
			update.Data = data
		}
	}

	m.recordsMu.RLock()
	rec, ok := m.bySubID[notif.Params.Subscription]
	m.recordsMu.RUnlock()
	if !ok {
		return
	}

	update.Address = rec.target
	m.enqueue(rec, update)
}

func (m *Manager) handleLogsNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}

	var value wsLogsValue
	if err := json.Unmarshal(notif.Params.Result.Value, &value); err != nil {
		m.logger.Warn("malformed logs notification", zap.Error(err))
		return
	}

	event := LogEvent{
		Signature: value.Signature,
		Logs:      value.Logs,
		Err:       value.Err,
	}
	if notif.Params.Result.Context != nil {
		event.Slot = notif.Params.Result.Context.Slot
	}

	m.recordsMu.RLock()
	rec, ok := m.bySubID[notif.Params.Subscription]
	m.recordsMu.RUnlock()
	if !ok {
		return
	}

	m.enqueue(rec, event)
}

func (m *Manager) enqueue(rec *record, item interface{}) {
	// Block rather than drop; the buffer absorbs bursts.
	select {
	case rec.queue <- item:
	case <-m.done:
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (m *Manager) pingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.connMu.Lock()
			if m.conn != nil {
				m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
				if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			m.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext      `json:"context"`
	Value   json.RawMessage `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsAccountValue struct {
	Lamports int64    `json:"lamports"`
	Owner    string   `json:"owner"`
	Data     []string `json:"data"` // [base64_data, encoding]
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
