package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/crdt"
	"github.com/Allenskoo856/mydocmost/internal/persistence"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/table"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSaveDebounce = 2 * time.Second
	persistTimeout      = 10 * time.Second
	finalFlushAttempts  = 4
	finalFlushBackoff   = 250 * time.Millisecond
)

var errRoomClosed = errors.New("gateway: room closed")

// stopTimer stops a timer and drains its channel if it already fired.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

type statusMessage struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func encodeStatus(status, reason string) []byte {
	payload, _ := json.Marshal(statusMessage{Status: status, Reason: reason})
	return payload
}

type attachRequest struct {
	sess   *session
	vector crdt.StateVector
	done   chan struct{}
}

type inboundFrame struct {
	from    *session
	payload []byte
}

// RoomConfig describes the dependencies of one document room.
type RoomConfig struct {
	Name         DocumentName
	Store        *persistence.Store
	IDProvider   table.IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	SaveDebounce time.Duration
	// OnEmpty runs on the room goroutine after the final flush, before the
	// room starts refusing attaches. The gateway uses it to evict the room
	// from its map.
	OnEmpty func(*Room)
}

// Room owns the replicated state of one document. A single goroutine applies
// every mutation, so edits are serialized without locking: sessions submit
// raw update frames, the room merges them, relays them to the other
// sessions and drives debounced persistence. The room drains when the last
// session detaches, flushing a final snapshot first.
type Room struct {
	name  DocumentName
	doc   *crdt.Doc
	grid  *table.Table
	store *persistence.Store

	logger       *zap.Logger
	saveDebounce time.Duration
	onEmpty      func(*Room)

	attachCh chan attachRequest
	detachCh chan *session
	inbound  chan inboundFrame
	closed   chan struct{}

	sessions map[*session]struct{}
	dirty    bool
}

func newRoom(cfg RoomConfig) (*Room, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: persistence store required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("gateway: id provider required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.SaveDebounce
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}

	doc := crdt.NewDoc()
	grid, err := table.New(table.Config{
		Doc:        doc,
		IDProvider: cfg.IDProvider,
		Clock:      cfg.Clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Room{
		name:         cfg.Name,
		doc:          doc,
		grid:         grid,
		store:        cfg.Store,
		logger:       logger,
		saveDebounce: debounce,
		onEmpty:      cfg.OnEmpty,
		attachCh:     make(chan attachRequest),
		detachCh:     make(chan *session),
		inbound:      make(chan inboundFrame, 64),
		closed:       make(chan struct{}),
		sessions:     make(map[*session]struct{}),
	}, nil
}

// hydrate loads persisted state and runs the load-time migrations: timestamp
// backfill and, for table documents, first materialization of the default
// grid shape. It runs before the room accepts sessions, so first-join
// initialization happens exactly once per room lifetime.
func (r *Room) hydrate(ctx context.Context) error {
	state, err := r.store.Load(ctx, r.name.String())
	if err != nil {
		return fmt.Errorf("gateway: hydrate %s: %w", r.name, err)
	}

	if state.Snapshot != nil {
		if err := r.doc.ApplyUpdate(state.Snapshot); err != nil {
			r.logger.Error("persisted snapshot is unreadable, starting from update log",
				zap.String("document", r.name.String()),
				zap.Error(err))
		}
	}
	for _, update := range state.Updates {
		if err := r.doc.ApplyUpdate(update); err != nil {
			r.logger.Error("skipping unreadable persisted update",
				zap.String("document", r.name.String()),
				zap.Error(err))
		}
	}

	if update := r.grid.BackfillTimestamps(); update != nil {
		r.dirty = true
	}
	if r.name.Kind == resource.KindTable {
		if update := r.grid.EnsureInitialized(); update != nil {
			r.dirty = true
		}
	}
	return nil
}

// run is the room's event loop. It exits when the last session detaches.
func (r *Room) run() {
	saveTimer := time.NewTimer(r.saveDebounce)
	// Hydration migrations may have dirtied the document before the first
	// session arrives; keep the timer armed so the seed persists without
	// waiting for an edit.
	if !r.dirty {
		stopTimer(saveTimer)
	}
	defer saveTimer.Stop()

	for {
		select {
		case req := <-r.attachCh:
			r.handleAttach(req)
		case sess := <-r.detachCh:
			if r.handleDetach(sess) {
				return
			}
		case frame := <-r.inbound:
			if r.handleInbound(frame) {
				stopTimer(saveTimer)
				saveTimer.Reset(r.saveDebounce)
			}
		case <-saveTimer.C:
			if r.dirty {
				if r.saveSnapshot() {
					r.dirty = false
				} else {
					saveTimer.Reset(r.saveDebounce)
				}
			}
		}
	}
}

func (r *Room) handleAttach(req attachRequest) {
	r.sessions[req.sess] = struct{}{}

	initial := r.doc.EncodeUpdateSince(req.vector)
	req.sess.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: initial})
	req.sess.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: encodeStatus("synced", "")})
	close(req.done)

	r.logger.Info("session joined",
		zap.String("document", r.name.String()),
		zap.String("user_id", req.sess.userID),
		zap.Bool("read_only", req.sess.readOnly),
		zap.Int("sessions", len(r.sessions)))
}

// handleDetach reports true when the room drained and the goroutine should
// exit.
func (r *Room) handleDetach(sess *session) bool {
	if _, attached := r.sessions[sess]; !attached {
		return false
	}
	r.dropSession(sess)

	if len(r.sessions) > 0 {
		return false
	}

	if r.dirty {
		r.finalFlush()
	}
	// Evict before closing so a racing attach that sees errRoomClosed finds
	// a fresh room on its next lookup instead of this one.
	if r.onEmpty != nil {
		r.onEmpty(r)
	}
	close(r.closed)
	r.logger.Info("room drained", zap.String("document", r.name.String()))
	return true
}

// handleInbound reports whether the document changed.
func (r *Room) handleInbound(frame inboundFrame) bool {
	if err := r.doc.ApplyUpdate(frame.payload); err != nil {
		r.logger.Warn("discarding malformed update frame",
			zap.String("document", r.name.String()),
			zap.String("user_id", frame.from.userID),
			zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := r.store.AppendUpdate(ctx, r.name.String(), frame.payload); err != nil {
		r.logger.Error("update log append failed",
			zap.String("document", r.name.String()),
			zap.Error(err))
	}
	cancel()

	for sess := range r.sessions {
		if sess == frame.from {
			continue
		}
		if !sess.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: frame.payload}) {
			r.logger.Warn("detaching stalled session",
				zap.String("document", r.name.String()),
				zap.String("user_id", sess.userID))
			r.dropSession(sess)
		}
	}

	r.dirty = true
	return true
}

func (r *Room) dropSession(sess *session) {
	delete(r.sessions, sess)
	close(sess.send)
}

func (r *Room) saveSnapshot() bool {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return r.store.SaveSnapshot(ctx, r.name.String(), r.doc.EncodeSnapshot()) == nil
}

func (r *Room) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout*time.Duration(finalFlushAttempts))
	defer cancel()
	err := r.store.SaveSnapshotWithRetry(ctx, r.name.String(), r.doc.EncodeSnapshot(), finalFlushAttempts, finalFlushBackoff)
	if err != nil {
		r.logger.Error("final snapshot flush failed, recent edits may be lost",
			zap.String("document", r.name.String()),
			zap.Error(err))
	}
}

// attach registers a session and queues its initial sync: the update diff
// against the presented state vector followed by the synced status. It
// blocks until the room goroutine has processed the registration.
func (r *Room) attach(sess *session, vector crdt.StateVector) error {
	req := attachRequest{sess: sess, vector: vector, done: make(chan struct{})}
	select {
	case r.attachCh <- req:
	case <-r.closed:
		return errRoomClosed
	}
	select {
	case <-req.done:
		return nil
	case <-r.closed:
		return errRoomClosed
	}
}

// detach removes a session. Safe to call multiple times and after the room
// has drained.
func (r *Room) detach(sess *session) {
	select {
	case r.detachCh <- sess:
	case <-r.closed:
	}
}

// submit hands an inbound binary frame to the room goroutine.
func (r *Room) submit(sess *session, payload []byte) {
	select {
	case r.inbound <- inboundFrame{from: sess, payload: payload}:
	case <-r.closed:
	}
}
