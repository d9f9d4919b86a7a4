package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"match-server/internal/match"
)

var ErrRoomClosed = errors.New("MATCH_NOT_ACTIVE: match room is closed")

// Hub owns the live rooms, one per match.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Add registers and starts r. It reports false if the id is taken.
func (h *Hub) Add(r *Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[r.id]; ok {
		return false
	}
	h.rooms[r.id] = r
	go r.run()
	return true
}

// Remove stops and forgets the room.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	delete(h.rooms, id)
	h.mu.Unlock()

	if ok {
		r.Stop()
	}
}

func (h *Hub) IsLive(id string) bool {
	_, ok := h.Get(id)
	return ok
}

func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Room serializes every command for one match on a single goroutine.
// Session and timers are only touched from inside Do.
type Room struct {
	id      string
	session *match.Session

	cmds     chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	timers     map[string]*time.Timer
	finishedAt time.Time
	// unsaved marks a terminal session whose final record has not reached
	// the repository yet.
	unsaved bool
}

func NewRoom(s *match.Session) *Room {
	return &Room{
		id:      s.ID(),
		session: s,
		cmds:    make(chan func(), 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Session() *match.Session { return r.session }

// Do runs fn on the room goroutine and returns its error. Commands run in
// the order they were accepted. ctx only bounds the wait to be accepted;
// once queued, Do waits for fn to finish or the room to stop.
func (r *Room) Do(ctx context.Context, fn func(*Room) error) error {
	result := make(chan error, 1)
	cmd := func() { result <- fn(r) }

	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-r.stop:
			r.cancelAllGrace()
			return
		}
	}
}

func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// startGrace arms a forfeiture timer for userID, replacing any existing one.
func (r *Room) startGrace(userID string, d time.Duration, expire func()) {
	r.cancelGrace(userID)
	r.timers[userID] = time.AfterFunc(d, expire)
}

func (r *Room) cancelGrace(userID string) bool {
	t, ok := r.timers[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, userID)
	return true
}

func (r *Room) cancelAllGrace() {
	for user := range r.timers {
		r.cancelGrace(user)
	}
}

// pendingGrace is the number of armed forfeiture timers.
func (r *Room) pendingGrace() int { return len(r.timers) }
