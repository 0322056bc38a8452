// Package presence tracks which remote players are alive and where they
// are, from the message stream alone. There is no membership authority on
// the mesh: a player exists because we heard from them, and stops existing
// when they leave or fall silent past the timeout.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/telemetry/metrics"
)

const (
	// DefaultTimeout is how long a player may stay silent before being
	// treated as departed. Three missed heartbeats.
	DefaultTimeout = 180 * time.Second
	// DefaultSweepInterval is the stale-check cadence.
	DefaultSweepInterval = 30 * time.Second

	sweepJoinTimeout = 2 * time.Second
)

// Player is one remote player's view in the roster.
type Player struct {
	ID       string
	Name     string
	Room     string
	JoinedAt time.Time
	LastSeen time.Time
}

// JoinHandler observes roster additions, explicit or synthesized.
type JoinHandler func(Player)

// LeaveHandler observes roster removals, explicit or by timeout.
type LeaveHandler func(Player)

// MoveHandler observes room changes of tracked players.
type MoveHandler func(p Player, from, to string)

// Config tunes the tracker. Zero durations take the package defaults.
type Config struct {
	// LocalID is this node's sender id; traffic stamped with it is
	// ignored so the roster only holds remote players.
	LocalID       string
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Manager is the presence tracker.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	players       map[string]Player
	joinHandlers  []JoinHandler
	leaveHandlers []LeaveHandler
	moveHandlers  []MoveHandler

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager builds a tracker. Call Start to run the stale sweep.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Manager{
		cfg:     cfg,
		players: make(map[string]Player),
	}
}

// OnJoin registers a roster-addition observer.
func (m *Manager) OnJoin(handler JoinHandler) {
	m.mu.Lock()
	m.joinHandlers = append(m.joinHandlers, handler)
	m.mu.Unlock()
}

// OnLeave registers a roster-removal observer.
func (m *Manager) OnLeave(handler LeaveHandler) {
	m.mu.Lock()
	m.leaveHandlers = append(m.leaveHandlers, handler)
	m.mu.Unlock()
}

// OnMove registers a room-change observer.
func (m *Manager) OnMove(handler MoveHandler) {
	m.mu.Lock()
	m.moveHandlers = append(m.moveHandlers, handler)
	m.mu.Unlock()
}

// Observe folds one inbound message into the roster. Any traffic from an
// unknown sender synthesizes a roster entry, so players whose join was
// lost on the mesh still appear.
func (m *Manager) Observe(msg protocol.Message) {
	if msg.SenderID == "" || msg.SenderID == m.cfg.LocalID {
		return
	}

	switch payload := msg.Payload.(type) {
	case protocol.Join:
		m.upsert(msg.SenderID, payload.Name, payload.Room)
	case protocol.Leave:
		m.remove(msg.SenderID)
	case protocol.Heartbeat:
		m.upsert(msg.SenderID, "", payload.Room)
	case protocol.Move:
		m.upsert(msg.SenderID, "", payload.To)
	case protocol.Action:
		m.upsert(msg.SenderID, "", payload.Room)
	case protocol.Chat:
		m.upsert(msg.SenderID, "", payload.Room)
	case protocol.SyncResponse:
		m.upsert(msg.SenderID, "", "")
		for _, entry := range payload.Roster {
			if entry.ID == "" || entry.ID == m.cfg.LocalID {
				continue
			}
			m.upsert(entry.ID, entry.Name, entry.Room)
		}
	default:
		m.upsert(msg.SenderID, "", "")
	}
}

// upsert refreshes a player's liveness and position, creating the entry
// when the sender is unknown. Join observers fire only on creation; move
// observers fire on a room change of an existing player.
func (m *Manager) upsert(id, name, room string) {
	now := time.Now()

	m.mu.Lock()
	player, known := m.players[id]
	var joined bool
	var moved bool
	var fromRoom string
	if !known {
		if name == "" {
			// Heard before any join; the id stands in until one arrives.
			name = id
		}
		player = Player{ID: id, Name: name, Room: room, JoinedAt: now}
		if player.Room == "" {
			player.Room = protocol.DefaultRoom
		}
		joined = true
	} else {
		if name != "" {
			player.Name = name
		}
		if room != "" && room != player.Room {
			fromRoom = player.Room
			player.Room = room
			moved = true
		}
	}
	player.LastSeen = now
	m.players[id] = player

	joinHandlers := append([]JoinHandler(nil), m.joinHandlers...)
	moveHandlers := append([]MoveHandler(nil), m.moveHandlers...)
	m.mu.Unlock()

	if joined {
		for _, handler := range joinHandlers {
			handler(player)
		}
	}
	if moved {
		for _, handler := range moveHandlers {
			handler(player, fromRoom, player.Room)
		}
	}
}

// remove drops a player and notifies leave observers exactly once.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	player, known := m.players[id]
	if known {
		delete(m.players, id)
	}
	handlers := append([]LeaveHandler(nil), m.leaveHandlers...)
	m.mu.Unlock()

	if !known {
		return
	}
	for _, handler := range handlers {
		handler(player)
	}
}

// Player returns a tracked player by id.
func (m *Manager) Player(id string) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	player, ok := m.players[id]
	return player, ok
}

// Online reports whether id is currently tracked.
func (m *Manager) Online(id string) bool {
	_, ok := m.Player(id)
	return ok
}

// Count returns the number of tracked players.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// AllPlayers returns the roster sorted by name.
func (m *Manager) AllPlayers() []Player {
	m.mu.Lock()
	out := make([]Player, 0, len(m.players))
	for _, player := range m.players {
		out = append(out, player)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PlayersInRoom returns the roster entries in the given room, sorted by
// name.
func (m *Manager) PlayersInRoom(room string) []Player {
	m.mu.Lock()
	out := make([]Player, 0, len(m.players))
	for _, player := range m.players {
		if player.Room == room {
			out = append(out, player)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the stale sweep. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweepStop, m.sweepDone = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sweepStale()
			}
		}
	}()
}

// Stop cancels the stale sweep with a bounded join. Safe to call twice.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.sweepStop, m.sweepDone
	m.sweepStop, m.sweepDone = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(sweepJoinTimeout):
	}
}

// sweepStale evicts every player silent past the timeout. Each eviction
// fires the leave observers exactly once, because the entry is removed
// before any handler runs.
func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.cfg.Timeout)

	m.mu.Lock()
	var evicted []Player
	for id, player := range m.players {
		if player.LastSeen.Before(cutoff) {
			delete(m.players, id)
			evicted = append(evicted, player)
		}
	}
	handlers := append([]LeaveHandler(nil), m.leaveHandlers...)
	m.mu.Unlock()

	for _, player := range evicted {
		metrics.RecordStaleEviction()
		for _, handler := range handlers {
			handler(player)
		}
	}
}
