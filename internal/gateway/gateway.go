package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/crdt"
	"github.com/Allenskoo856/mydocmost/internal/persistence"
	"github.com/Allenskoo856/mydocmost/internal/table"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

// handshakeRequest is the first frame a client sends after the websocket
// upgrade. The state vector maps replica ids (decimal strings, JSON cannot
// key objects by number) to the highest clock the client has observed, so
// the initial sync carries only what the client is missing.
type handshakeRequest struct {
	Document    string            `json:"document"`
	Token       string            `json:"token"`
	StateVector map[string]uint64 `json:"stateVector,omitempty"`
}

// Config describes the dependencies of the Gateway.
type Config struct {
	Admitter     *Admitter
	Store        *persistence.Store
	IDProvider   table.IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	SaveDebounce time.Duration
}

// Gateway upgrades collaboration connections, runs the admission handshake
// and routes each accepted session into its document's room, creating and
// hydrating the room on first join.
type Gateway struct {
	admitter     *Admitter
	store        *persistence.Store
	ids          table.IDProvider
	clock        func() time.Time
	logger       *zap.Logger
	saveDebounce time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*Room
}

// New constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Admitter == nil {
		return nil, errors.New("gateway: admitter required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: persistence store required")
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = table.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		admitter:     cfg.Admitter,
		store:        cfg.Store,
		ids:          ids,
		clock:        cfg.Clock,
		logger:       logger,
		saveDebounce: cfg.SaveDebounce,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients authenticate with the collab token inside the
			// handshake frame, not with cookies, so cross-origin upgrades
			// are safe to accept.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// RoomCount reports the number of live rooms.
func (g *Gateway) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// HandleConnection upgrades the request and runs the session to completion.
// It returns when the connection closes.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	request, err := g.readHandshake(conn)
	if err != nil {
		g.logger.Warn("handshake read failed", zap.Error(err))
		conn.Close()
		return
	}

	admission, err := g.admitter.Admit(r.Context(), request.Document, request.Token)
	if err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			g.reject(conn, rejection.Reason)
		} else {
			g.logger.Error("admission failed", zap.Error(err))
		}
		conn.Close()
		return
	}

	g.serve(conn, admission, decodeStateVector(request.StateVector))
}

func (g *Gateway) readHandshake(conn *websocket.Conn) (handshakeRequest, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return handshakeRequest{}, err
	}
	conn.SetReadDeadline(time.Time{})

	var request handshakeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return handshakeRequest{}, err
	}
	return request, nil
}

func (g *Gateway) reject(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, encodeStatus("rejected", reason))
}

// serve attaches the connection to its room and blocks until the read pump
// exits. Attachment retries once if it races with the room draining.
func (g *Gateway) serve(conn *websocket.Conn, admission Admission, vector crdt.StateVector) {
	for {
		room, err := g.roomFor(admission.Document)
		if err != nil {
			g.logger.Error("room hydration failed",
				zap.String("document", admission.Document.String()),
				zap.Error(err))
			conn.Close()
			return
		}

		sess := newSession(conn, room, admission.UserID, admission.ReadOnly, g.logger)
		if err := room.attach(sess, vector); err != nil {
			// The room drained between lookup and attach; build a fresh one.
			continue
		}
		go sess.writePump()
		sess.readPump()
		return
	}
}

// roomFor returns the live room for a document, hydrating a new one when
// none exists.
func (g *Gateway) roomFor(name DocumentName) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms == nil {
		g.rooms = make(map[string]*Room)
	}
	if room, ok := g.rooms[name.String()]; ok {
		return room, nil
	}

	room, err := newRoom(RoomConfig{
		Name:         name,
		Store:        g.store,
		IDProvider:   g.ids,
		Clock:        g.clock,
		Logger:       g.logger,
		SaveDebounce: g.saveDebounce,
		OnEmpty:      g.evict,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := room.hydrate(ctx); err != nil {
		return nil, err
	}

	g.rooms[name.String()] = room
	go room.run()
	return room, nil
}

func (g *Gateway) evict(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.rooms[room.name.String()]; ok && current == room {
		delete(g.rooms, room.name.String())
	}
}

func decodeStateVector(raw map[string]uint64) crdt.StateVector {
	if len(raw) == 0 {
		return crdt.StateVector{}
	}
	vector := make(crdt.StateVector, len(raw))
	for replicaText, clock := range raw {
		replica, err := strconv.ParseUint(replicaText, 10, 64)
		if err != nil {
			// An unparseable entry degrades to a fuller initial sync.
			continue
		}
		vector[replica] = clock
	}
	return vector
}
