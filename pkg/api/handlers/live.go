package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/storage"
)

const (
	defaultPingInterval    = 30 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultSendBuffer      = 64
	defaultMaxMessageBytes = 64 * 1024
	defaultRelayRate       = 20
	defaultRelayBurst      = 40
)

// errConnectionLimit is returned when the gateway is at capacity.
var errConnectionLimit = errors.New("live connection limit reached")

// LiveConfig configures the live-update gateway.
type LiveConfig struct {
	AllowedOrigins  []string
	MaxConnections  int // zero means unlimited
	SendBuffer      int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	RelayRate       float64
	RelayBurst      int
}

func (c *LiveConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.RelayRate <= 0 {
		c.RelayRate = defaultRelayRate
	}
	if c.RelayBurst <= 0 {
		c.RelayBurst = defaultRelayBurst
	}
}

// LiveMetrics records gateway activity. *metrics.Manager satisfies it.
type LiveMetrics interface {
	IncLiveConnections(channel string)
	DecLiveConnections(channel string)
	RecordRelayDropped()
}

type nopLiveMetrics struct{}

func (nopLiveMetrics) IncLiveConnections(string) {}
func (nopLiveMetrics) DecLiveConnections(string) {}
func (nopLiveMetrics) RecordRelayDropped()       {}

// wsClient is one websocket connection. It implements live.Conn: Send only
// enqueues, and a single write pump owns the socket writes.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	limiter   *rate.Limiter
	opened    time.Time
}

func newWSClient(conn *websocket.Conn, buffer int, limiter *rate.Limiter) *wsClient {
	c := &wsClient{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		limiter: limiter,
		opened:  time.Now(),
	}
	c.state.Store(int32(live.StateConnecting))
	return c
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Open() bool {
	return live.State(c.state.Load()) == live.StateOpen
}

func (c *wsClient) Send(payload []byte) error {
	if !c.Open() {
		return live.ErrConnClosed
	}
	select {
	case <-c.done:
		return live.ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return live.ErrSendBufferFull
	}
}

func (c *wsClient) markOpen() {
	c.state.CompareAndSwap(int32(live.StateConnecting), int32(live.StateOpen))
}

// activate opens the client and queues the welcome frame. It must run
// before the client joins the hub so the welcome is the first frame and no
// broadcast finds the client still connecting.
func (c *wsClient) activate(welcome live.Event) error {
	c.markOpen()
	payload, err := welcome.Encode()
	if err != nil {
		return err
	}
	return c.Send(payload)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(live.StateClosing))
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.state.Store(int32(live.StateClosed))
	})
}

// ConnectionManager tracks active websocket clients against a limit.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[string]*wsClient
	maxConnections int
}

// NewConnectionManager creates a manager. A limit of zero means unlimited.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections < 0 {
		maxConnections = 0
	}
	return &ConnectionManager{
		clients:        make(map[string]*wsClient),
		maxConnections: maxConnections,
	}
}

// Register registers a websocket client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxConnections > 0 && len(m.clients) >= m.maxConnections {
		return errConnectionLimit
	}
	m.clients[client.id] = client
	return nil
}

// Unregister removes a websocket client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, client.id)
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxConnections == 0 || len(m.clients) < m.maxConnections
}

// SetLimit changes the connection limit. Existing connections are kept.
func (m *ConnectionManager) SetLimit(maxConnections int) {
	if maxConnections < 0 {
		maxConnections = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxConnections = maxConnections
}

func (m *ConnectionManager) snapshot() []*wsClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*wsClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

// LiveHandler is the live-update gateway. It upgrades authenticated
// requests to websockets, registers them with the hub and relays inbound
// frames to the other watchers of a project.
type LiveHandler struct {
	store    storage.Storage
	hub      *live.Hub
	metrics  LiveMetrics
	log      logger.Logger
	manager  *ConnectionManager
	upgrader websocket.Upgrader
	cfg      LiveConfig

	relayMu    sync.RWMutex
	relayRate  rate.Limit
	relayBurst int
}

// NewLiveHandler creates the gateway. metrics may be nil.
func NewLiveHandler(store storage.Storage, hub *live.Hub, metrics LiveMetrics, log logger.Logger, cfg LiveConfig) *LiveHandler {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = nopLiveMetrics{}
	}

	h := &LiveHandler{
		store:      store,
		hub:        hub,
		metrics:    metrics,
		log:        log,
		manager:    NewConnectionManager(cfg.MaxConnections),
		cfg:        cfg,
		relayRate:  rate.Limit(cfg.RelayRate),
		relayBurst: cfg.RelayBurst,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}

	return h
}

// ServeProject handles GET /ws/tasks/{projectID}.
func (h *LiveHandler) ServeProject(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	project, err := live.ParseProjectKey(chi.URLParam(r, "projectID"))
	if err != nil {
		fail(w, r, response.BadRequest("%v", err))
		return
	}

	_, member, err := h.store.IsMember(r.Context(), int64(project), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !member {
		fail(w, r, response.ErrForbidden)
		return
	}

	client, ok := h.accept(w, r)
	if !ok {
		return
	}

	h.activate(client, live.Connected(int64(project)))
	sub := h.hub.JoinProject(client, live.UserKey(userID), project)
	h.run(client, sub, live.ChannelProject, userID)
}

// ServeNotifications handles GET /ws/notifications.
func (h *LiveHandler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	client, ok := h.accept(w, r)
	if !ok {
		return
	}

	h.activate(client, live.Event{
		Type:    live.TypeSystem,
		Kind:    live.KindConnected,
		ID:      userID,
		Message: "connected to notifications",
	})
	sub := h.hub.JoinUser(client, live.UserKey(userID))
	h.run(client, sub, live.ChannelUser, userID)
}

func (h *LiveHandler) activate(client *wsClient, welcome live.Event) {
	if err := client.activate(welcome); err != nil {
		h.log.Warn("send welcome frame", "conn_id", client.id, "error", err)
	}
}

// accept checks capacity, upgrades the request and registers the client
// with the connection manager.
func (h *LiveHandler) accept(w http.ResponseWriter, r *http.Request) (*wsClient, bool) {
	if !websocket.IsWebSocketUpgrade(r) {
		fail(w, r, response.BadRequest("websocket upgrade required"))
		return nil, false
	}
	if !h.manager.CanAccept() {
		fail(w, r, response.ErrServiceUnavailable)
		return nil, false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return nil, false
	}

	client := newWSClient(conn, h.cfg.SendBuffer, h.newLimiter())
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many live connections"),
			time.Now().Add(h.cfg.WriteTimeout),
		)
		_ = conn.Close()
		return nil, false
	}
	return client, true
}

// run drives one registered connection until it closes.
func (h *LiveHandler) run(client *wsClient, sub *live.Subscription, channel string, userID int64) {
	h.metrics.IncLiveConnections(channel)

	log := h.log.With("conn_id", client.id, "channel", channel, "user_id", userID)
	if project, ok := sub.Project(); ok {
		log = log.With("project_id", int64(project))
	}
	log.Debug("live connection opened")

	defer func() {
		// Deregister before closing so no broadcast targets a dead socket.
		sub.Leave()
		client.close()
		h.manager.Unregister(client)
		h.metrics.DecLiveConnections(channel)
		log.Info("live connection closed", "duration_ms", time.Since(client.opened).Milliseconds())
	}()

	go h.writePump(client)
	h.readPump(client, sub, log)
}

func (h *LiveHandler) readPump(client *wsClient, sub *live.Subscription, log logger.Logger) {
	client.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	project, hasProject := sub.Project()

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage || !hasProject || len(data) == 0 {
			continue
		}

		if !client.limiter.Allow() {
			h.metrics.RecordRelayDropped()
			continue
		}

		payload, err := live.Relay(int64(project), data).Encode()
		if err != nil {
			log.Warn("encode relay frame", "error", err)
			continue
		}
		sub.Relay(payload)
	}
}

func (h *LiveHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		client.close()
	}()

	for {
		select {
		case <-client.done:
			return
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *LiveHandler) newLimiter() *rate.Limiter {
	h.relayMu.RLock()
	defer h.relayMu.RUnlock()
	return rate.NewLimiter(h.relayRate, h.relayBurst)
}

// UpdateLimits applies new connection and relay limits. Relay limits take
// effect on open connections too.
func (h *LiveHandler) UpdateLimits(maxConnections int, relayRate float64, relayBurst int) {
	h.manager.SetLimit(maxConnections)

	if relayRate <= 0 || relayBurst <= 0 {
		return
	}
	h.relayMu.Lock()
	h.relayRate = rate.Limit(relayRate)
	h.relayBurst = relayBurst
	h.relayMu.Unlock()

	for _, c := range h.manager.snapshot() {
		c.limiter.SetLimit(rate.Limit(relayRate))
		c.limiter.SetBurst(relayBurst)
	}
}

// Connections returns the number of open live connections.
func (h *LiveHandler) Connections() int {
	return h.manager.Count()
}

// Close sends a going-away frame to every client and closes it.
func (h *LiveHandler) Close() {
	for _, c := range h.manager.snapshot() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout),
		)
		c.close()
	}
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

var _ live.Conn = (*wsClient)(nil)
