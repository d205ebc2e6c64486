// Package relay implements the session-scoped relay core: the room registry,
// role-based fan-out, the cross-instance pub/sub path, and the grace-period
// state machine that absorbs transient controller disconnects.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/luminavis/relay/internal/v1/logging"
	"github.com/luminavis/relay/internal/v1/metrics"
	"github.com/luminavis/relay/internal/v1/ratelimit"
	"github.com/luminavis/relay/internal/v1/session"
)

const (
	// DefaultGraceDelay is how long the hub waits after the last controller
	// drops before telling displays the remote is gone. Phones sleeping
	// mid-session reconnect well inside this window.
	DefaultGraceDelay = 15 * time.Second

	// DefaultReapDelay is how long an empty room lingers before it is deleted
	// and its cross-instance subscription cancelled.
	DefaultReapDelay = 60 * time.Second
)

// Bus is the slice of the KV adapter the hub needs.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler func(payload string))
	Unsubscribe(channel string)
}

// Hub coordinates every room on this process. Shared mutable state (rooms,
// kiosk set, timers, audio snapshots, subscribed channels) lives behind one
// mutex held only for map edits, never across I/O.
type Hub struct {
	instanceID  string
	store       *session.Store
	bus         Bus
	requireCode bool

	GraceDelay time.Duration
	ReapDelay  time.Duration

	mu            sync.Mutex
	rooms         map[string]*Room
	pendingReaps  map[string]*time.Timer
	graceTimers   map[string]*time.Timer
	kiosk         set.Set[string]
	audioFeatures map[string][]byte // latest kiosk audio frame, memory-only
	subscribed    set.Set[string]

	upgrader    websocket.Upgrader
	connLimiter *ratelimit.ConnectionLimiter
}

// NewHub creates a Hub with its dependencies.
func NewHub(store *session.Store, bus Bus, requireCode bool, connLimiter *ratelimit.ConnectionLimiter) *Hub {
	return &Hub{
		instanceID:    uuid.New().String(),
		store:         store,
		bus:           bus,
		requireCode:   requireCode,
		GraceDelay:    DefaultGraceDelay,
		ReapDelay:     DefaultReapDelay,
		rooms:         make(map[string]*Room),
		pendingReaps:  make(map[string]*time.Timer),
		graceTimers:   make(map[string]*time.Timer),
		kiosk:         set.New[string](),
		audioFeatures: make(map[string][]byte),
		subscribed:    set.New[string](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Controllers and viewers connect from arbitrary networks with a
			// session code as the only credential; origin carries no signal.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connLimiter: connLimiter,
	}
}

// InstanceID returns this process's origin id for cross-instance envelopes.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// ServeWs upgrades /ws?role=...&session=...&kiosk=... and starts the client.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.connLimiter != nil && !h.connLimiter.Check(c) {
		return // Response already written by Check
	}

	role := ParseRole(c.Query("role"))
	requested := strings.ToUpper(strings.TrimSpace(c.Query("session")))
	kiosk := c.Query("kiosk") == "true"

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, role, requested, kiosk)
}

// HandleConnection wires an established connection into the hub. Join setup
// runs asynchronously; frames that race it are buffered by the client.
func (h *Hub) HandleConnection(conn wsConnection, role Role, requested string, kiosk bool) *Client {
	client := newClient(conn, h, role, kiosk)

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	go h.JoinSession(client, requested)

	return client
}

// JoinSession resolves the session id for a new connection, registers it, and
// runs the role-specific join protocol.
func (h *Hub) JoinSession(c *Client, requested string) {
	ctx := context.WithValue(context.Background(), logging.ClientRoleKey, string(c.Role))

	sessionID, err := h.resolveSession(ctx, c, requested)
	if err != nil {
		c.SendRaw(errorFrame("Invalid session code"))
		c.CloseWithCode(CloseInvalidSession, "Invalid session")
		return
	}
	ctx = context.WithValue(ctx, logging.SessionIDKey, sessionID)

	// Replay is enqueued before the client becomes visible to fan-out so that
	// cached frames always precede live ones.
	switch c.Role {
	case RoleController, RoleViewer:
		frames, _ := h.store.GetFrames(ctx, sessionID)
		for _, kind := range session.ReplayOrder {
			if payload := frames.Frame(kind); payload != nil {
				c.SendRaw(payload)
			}
		}
		if c.Role == RoleViewer {
			h.mu.Lock()
			snapshot := h.audioFeatures[sessionID]
			kioskOnline := h.kiosk.Has(sessionID)
			h.mu.Unlock()
			if snapshot != nil {
				c.SendRaw(snapshot)
			}
			c.SendRaw(kioskStatusFrame(kioskOnline))
		}
	}

	c.bindSession(sessionID)
	h.attach(c, sessionID)
	h.subscribeSession(sessionID)

	switch c.Role {
	case RoleController:
		h.cancelGrace(sessionID)
		h.mu.Lock()
		room := h.rooms[sessionID]
		controllers := 0
		var displays []*Client
		if room != nil {
			controllers = room.countByRole(RoleController)
			displays = room.byRole(RoleDisplay, nil)
		}
		h.mu.Unlock()
		deliver(displays, remoteStatusFrame(true, controllers))
	case RoleDisplay:
		if c.Kiosk {
			h.mu.Lock()
			h.kiosk.Insert(sessionID)
			room := h.rooms[sessionID]
			var viewers []*Client
			if room != nil {
				viewers = room.byRole(RoleViewer, nil)
			}
			h.mu.Unlock()
			deliver(viewers, kioskStatusFrame(true))
		}
	}

	c.finishSetup(sessionID)

	// The transport can drop mid-join; if its close handler ran before the
	// room knew the connection, detach now.
	if c.isClosed() {
		h.HandleClose(c)
	}
	logging.Info(ctx, "Client joined session")
}

// resolveSession applies the join protocol and returns the bound session id.
func (h *Hub) resolveSession(ctx context.Context, c *Client, requested string) (string, error) {
	if !h.requireCode {
		// Deployment disabled code gating: everyone shares the open session.
		if err := h.store.Ensure(ctx, session.OpenSessionID); err != nil {
			logging.Warn(ctx, "Failed to ensure open session", zap.Error(err))
		}
		return session.OpenSessionID, nil
	}

	if requested != "" {
		exists, err := h.store.Exists(ctx, requested)
		if err == nil && exists {
			_ = h.store.Touch(ctx, requested)
			return requested, nil
		}
		if c.Role == RoleDisplay {
			// A display holding a stale code gets a fresh session.
			return h.mintSession(ctx, c)
		}
		return "", errInvalidSession
	}

	switch c.Role {
	case RoleDisplay, RoleController:
		return h.mintSession(ctx, c)
	default:
		// Viewers never mint; they need an existing session to observe.
		return "", errInvalidSession
	}
}

var errInvalidSession = &invalidSessionError{}

type invalidSessionError struct{}

func (*invalidSessionError) Error() string { return "invalid session code" }

func (h *Hub) mintSession(ctx context.Context, c *Client) (string, error) {
	id, err := h.store.Create(ctx)
	if err != nil {
		logging.Error(ctx, "Failed to mint session code", zap.Error(err))
		return "", err
	}
	c.SendRaw(sessionFrame(id))
	return id, nil
}

// attach inserts the connection into its room, cancelling any pending reap.
func (h *Hub) attach(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sessionID]
	if !ok {
		room = newRoom(sessionID)
		h.rooms[sessionID] = room
		metrics.ActiveRooms.Inc()
	}
	room.add(c)
	metrics.RoomClients.WithLabelValues(sessionID, string(c.Role)).Inc()

	if timer, pending := h.pendingReaps[sessionID]; pending {
		timer.Stop()
		delete(h.pendingReaps, sessionID)
	}
}

// subscribeSession subscribes the cross-instance channel for a session once.
func (h *Hub) subscribeSession(sessionID string) {
	h.mu.Lock()
	if h.subscribed.Has(sessionID) {
		h.mu.Unlock()
		return
	}
	h.subscribed.Insert(sessionID)
	h.mu.Unlock()

	h.bus.Subscribe(channelFor(sessionID), func(payload string) {
		h.handleRemote(sessionID, payload)
	})
}

// HandleInbound validates one client frame, applies display-side caching side
// effects, fans out locally, and publishes the envelope cross-instance.
func (h *Hub) HandleInbound(c *Client, payload []byte) {
	frameType, ok := validateFrame(payload)
	if !ok {
		reason := "invalid"
		if len(payload) > MaxFrameSize {
			reason = "oversize"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		return
	}

	sessionID := c.Session()
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, sessionID)

	// Every accepted frame keeps the session alive.
	if err := h.store.Touch(ctx, sessionID); err != nil {
		logging.Warn(ctx, "Session touch failed", zap.Error(err))
	}

	if c.Role == RoleDisplay {
		switch frameType {
		case "state", "song", "beat":
			if err := h.store.CacheFrame(ctx, sessionID, session.FrameKind(frameType), payload); err != nil {
				logging.Warn(ctx, "Frame cache failed", zap.Error(err))
			}
		case "audioFeatures":
			// ~30 Hz stream: memory-only, never replicated to the substrate.
			h.mu.Lock()
			h.audioFeatures[sessionID] = payload
			h.mu.Unlock()
		}
	}

	h.fanOut(sessionID, c.Role, payload, c)
	metrics.FramesRouted.WithLabelValues(frameType, "local").Inc()

	env := Envelope{
		FromInstanceID: h.instanceID,
		SenderRole:     string(c.Role),
		Payload:        string(payload),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	// Best effort; publish failures mean no cross-instance delivery, nothing more.
	_ = h.bus.Publish(ctx, channelFor(sessionID), data)
}

// handleRemote ingests an envelope published by another instance.
func (h *Hub) handleRemote(sessionID, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logging.Warn(context.Background(), "Dropping malformed cross-instance envelope", zap.Error(err))
		return
	}
	if env.FromInstanceID == h.instanceID {
		return // Loop suppression: this envelope started here.
	}

	h.fanOut(sessionID, Role(env.SenderRole), []byte(env.Payload), nil)
	metrics.FramesRouted.WithLabelValues("envelope", "remote").Inc()
}

// fanOut delivers a frame to the local recipients the matrix names. Recipient
// snapshots happen under the lock; sends happen after it is released.
func (h *Hub) fanOut(sessionID string, senderRole Role, payload []byte, exclude *Client) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	var targets []*Client
	if room != nil {
		targets = room.recipients(senderRole, exclude)
	}
	h.mu.Unlock()

	deliver(targets, payload)
}

func deliver(targets []*Client, payload []byte) {
	for _, target := range targets {
		target.SendRaw(payload)
	}
}

// HandleClose detaches a closed connection and runs the role-specific close
// protocol: the controller grace period, kiosk teardown, and room reaping.
func (h *Hub) HandleClose(c *Client) {
	c.Disconnect()

	sessionID := c.Session()
	if sessionID == "" {
		return // Never completed join setup.
	}

	h.mu.Lock()
	room := h.rooms[sessionID]
	if room == nil {
		h.mu.Unlock()
		return
	}
	if _, member := room.clients[c]; !member {
		h.mu.Unlock()
		return
	}
	room.remove(c)
	metrics.RoomClients.WithLabelValues(sessionID, string(c.Role)).Dec()

	var displays, viewers []*Client
	controllers := room.countByRole(RoleController)
	wasKiosk := c.Role == RoleDisplay && c.Kiosk
	if c.Role == RoleController {
		displays = room.byRole(RoleDisplay, nil)
	}
	if wasKiosk {
		h.kiosk.Delete(sessionID)
		delete(h.audioFeatures, sessionID)
		viewers = room.byRole(RoleViewer, nil)
	}
	roomEmpty := room.empty()
	h.mu.Unlock()

	switch {
	case c.Role == RoleController && controllers > 0:
		deliver(displays, remoteStatusFrame(true, controllers))
	case c.Role == RoleController:
		h.startGrace(sessionID)
	}

	if wasKiosk {
		deliver(viewers, kioskStatusFrame(false))
	}

	if roomEmpty {
		h.scheduleReap(sessionID)
	}
}

// startGrace arms the disconnect-grace timer, at most one per session. Firing
// re-checks controller presence before telling displays anything.
func (h *Hub) startGrace(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, pending := h.graceTimers[sessionID]; pending {
		return
	}
	h.graceTimers[sessionID] = time.AfterFunc(h.GraceDelay, func() {
		h.mu.Lock()
		delete(h.graceTimers, sessionID)
		room := h.rooms[sessionID]
		count := 0
		var displays []*Client
		if room != nil {
			count = room.countByRole(RoleController)
			displays = room.byRole(RoleDisplay, nil)
		}
		h.mu.Unlock()

		deliver(displays, remoteStatusFrame(count > 0, count))
	})
}

// cancelGrace stops a pending grace timer; a controller rejoining inside the
// window produces no "disconnected" flash at all.
func (h *Hub) cancelGrace(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, pending := h.graceTimers[sessionID]; pending {
		timer.Stop()
		delete(h.graceTimers, sessionID)
	}
}

// scheduleReap arms the empty-room reap timer. Firing re-checks emptiness,
// then deletes the room and everything keyed to it.
func (h *Hub) scheduleReap(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, pending := h.pendingReaps[sessionID]; pending {
		return
	}
	h.pendingReaps[sessionID] = time.AfterFunc(h.ReapDelay, func() {
		h.mu.Lock()
		delete(h.pendingReaps, sessionID)
		room := h.rooms[sessionID]
		if room == nil || !room.empty() {
			h.mu.Unlock()
			return
		}
		delete(h.rooms, sessionID)
		h.kiosk.Delete(sessionID)
		delete(h.audioFeatures, sessionID)
		wasSubscribed := h.subscribed.Has(sessionID)
		h.subscribed.Delete(sessionID)
		metrics.ActiveRooms.Dec()
		metrics.RoomClients.DeletePartialMatch(map[string]string{"session_id": sessionID})
		h.mu.Unlock()

		if wasSubscribed {
			h.bus.Unsubscribe(channelFor(sessionID))
		}
		logging.Info(context.Background(), "Reaped empty room", zap.String("sessionId", sessionID))
	})
}

// CountByRole reports the current member count for a role in a session.
func (h *Hub) CountByRole(sessionID string, role Role) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	if room == nil {
		return 0
	}
	return room.countByRole(role)
}

// KioskOnline reports whether the session has a kiosk display connected
// somewhere on this process.
func (h *Hub) KioskOnline(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kiosk.Has(sessionID)
}

// Shutdown stops all timers and closes every connection gracefully.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms...")

	h.mu.Lock()
	for sessionID, timer := range h.pendingReaps {
		timer.Stop()
		delete(h.pendingReaps, sessionID)
	}
	for sessionID, timer := range h.graceTimers {
		timer.Stop()
		delete(h.graceTimers, sessionID)
	}
	clients := make([]*Client, 0)
	channels := make([]string, 0, h.subscribed.Len())
	for _, sessionID := range h.subscribed.UnsortedList() {
		channels = append(channels, channelFor(sessionID))
	}
	h.subscribed = set.New[string]()
	for _, room := range h.rooms {
		for c := range room.clients {
			clients = append(clients, c)
		}
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, channel := range channels {
		h.bus.Unsubscribe(channel)
	}
	for _, c := range clients {
		c.Disconnect()
	}

	logging.Info(ctx, "All rooms closed", zap.Int("connections", len(clients)))
	return nil
}
