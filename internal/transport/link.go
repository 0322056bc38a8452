package transport

import (
	"sync"
	"time"

	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/telemetry/metrics"
)

const (
	// DefaultHeartbeatInterval is the liveness beacon cadence while
	// connected. Independent of game-turn cadence.
	DefaultHeartbeatInterval = 60 * time.Second
	// QueueCapacity bounds the outgoing queue; the oldest entry is evicted
	// to admit a new one.
	QueueCapacity = 100
	// MaxSendAttempts is the retry ceiling for a queued message.
	MaxSendAttempts = 3
	// DefaultRoom is the starting room context for heartbeats.
	DefaultRoom = protocol.DefaultRoom

	// A sender's seen-sequence set is cleared wholesale once it grows past
	// this size. Coarse on purpose: it protects a single link from
	// single-sender replay and noise, and the manager's LRU cache handles
	// cross-link duplicates.
	seenSequenceLimit = 1000

	stopJoinTimeout = 2 * time.Second
)

// SendRawFunc transmits one encoded frame over the underlying link. It is
// called without any link lock held and may perform blocking I/O.
type SendRawFunc func(data []byte) error

// LinkConfig configures the shared mechanics of a concrete link.
type LinkConfig struct {
	Kind       Kind
	PlayerName string
	// Heartbeat defaults to DefaultHeartbeatInterval when zero.
	Heartbeat time.Duration
	SendRaw   SendRawFunc
}

// Link supplies the mechanics common to every concrete transport:
// sequence assignment, per-sender inbound deduplication, the bounded
// outgoing queue, the heartbeat loop, and the observer registries.
// Concrete transports embed a Link and provide only raw framing.
type Link struct {
	kind              Kind
	playerName        string
	senderID          string
	heartbeatInterval time.Duration
	sendRaw           SendRawFunc

	stateMu       sync.Mutex
	state         State
	stateHandlers []StateHandler

	mu              sync.Mutex
	sequence        uint64
	room            string
	queue           []queuedMessage
	seen            map[string]map[uint64]struct{}
	messageHandlers []MessageHandler

	hbMu   sync.Mutex
	hbStop chan struct{}
	hbDone chan struct{}
}

// queuedMessage is one outbound message awaiting transmission.
type queuedMessage struct {
	msg      protocol.Message
	attempts int
	queuedAt time.Time
}

// NewLink builds the shared link core for a concrete transport.
func NewLink(cfg LinkConfig) *Link {
	interval := cfg.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Link{
		kind:              cfg.Kind,
		playerName:        cfg.PlayerName,
		senderID:          DeriveSenderID(cfg.PlayerName),
		heartbeatInterval: interval,
		sendRaw:           cfg.SendRaw,
		state:             StateDisconnected,
		room:              DefaultRoom,
		seen:              make(map[string]map[uint64]struct{}),
	}
}

// Kind returns the link kind.
func (l *Link) Kind() Kind { return l.kind }

// SenderID returns the 6-character sender identifier for this link.
func (l *Link) SenderID() string { return l.senderID }

// PlayerName returns the display name the link was created with.
func (l *Link) PlayerName() string { return l.playerName }

// State returns the current connection state.
func (l *Link) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

// SetState transitions the connection state and notifies observers. The
// observers run outside the state lock.
func (l *Link) SetState(next State) {
	l.stateMu.Lock()
	if l.state == next {
		l.stateMu.Unlock()
		return
	}
	l.state = next
	handlers := make([]StateHandler, len(l.stateHandlers))
	copy(handlers, l.stateHandlers)
	l.stateMu.Unlock()

	for _, handler := range handlers {
		handler(next)
	}
}

// OnMessage registers an inbound message observer.
func (l *Link) OnMessage(handler MessageHandler) {
	l.mu.Lock()
	l.messageHandlers = append(l.messageHandlers, handler)
	l.mu.Unlock()
}

// OnStateChange registers a state observer.
func (l *Link) OnStateChange(handler StateHandler) {
	l.stateMu.Lock()
	l.stateHandlers = append(l.stateHandlers, handler)
	l.stateMu.Unlock()
}

// SetRoom updates the room context carried by heartbeats.
func (l *Link) SetRoom(room string) {
	l.mu.Lock()
	l.room = room
	l.mu.Unlock()
}

// Room returns the current room context.
func (l *Link) Room() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.room
}

func (l *Link) nextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence++
	return l.sequence
}

// Send stamps the message with this link's sender id and the next sequence
// number, then attempts immediate transmission. When the link is not
// connected, or raw transmission fails, the message is queued and Send
// returns false. Send never blocks on link I/O errors surfacing as retries.
func (l *Link) Send(msg protocol.Message) bool {
	msg.SenderID = l.senderID
	msg.Sequence = l.nextSequence()

	if l.State() != StateConnected {
		l.enqueue(msg)
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return false
	}
	if err := l.sendRaw(data); err != nil {
		l.enqueue(msg)
		return false
	}
	metrics.RecordSent(string(l.kind))
	return true
}

func (l *Link) enqueue(msg protocol.Message) {
	l.mu.Lock()
	dropped := false
	if len(l.queue) >= QueueCapacity {
		// Drop-oldest backpressure; the producer is never blocked.
		l.queue = l.queue[1:]
		dropped = true
	}
	l.queue = append(l.queue, queuedMessage{msg: msg, queuedAt: time.Now()})
	l.mu.Unlock()
	if dropped {
		metrics.RecordQueueDrop(string(l.kind))
	}
}

// QueueLen reports the number of queued outbound messages.
func (l *Link) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// FlushQueue transmits queued messages in FIFO order. It is invoked on
// reaching Connected, including after reconnection. A message that fails
// its third attempt is dropped; flushing stops at the first failure so a
// dead link does not spin.
func (l *Link) FlushQueue() {
	for l.State() == StateConnected {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		entry := l.queue[0]
		l.mu.Unlock()

		data, err := protocol.Encode(entry.msg)
		if err != nil {
			l.dropHead()
			continue
		}
		sendErr := l.sendRaw(data)

		l.mu.Lock()
		if len(l.queue) == 0 || l.queue[0].msg.Sequence != entry.msg.Sequence {
			// Queue shifted underneath us; start over.
			l.mu.Unlock()
			continue
		}
		if sendErr == nil {
			l.queue = l.queue[1:]
			l.mu.Unlock()
			metrics.RecordSent(string(l.kind))
			continue
		}
		l.queue[0].attempts++
		dropped := l.queue[0].attempts >= MaxSendAttempts
		if dropped {
			l.queue = l.queue[1:]
		}
		l.mu.Unlock()
		if dropped {
			metrics.RecordQueueDrop(string(l.kind))
		}
		return
	}
}

func (l *Link) dropHead() {
	l.mu.Lock()
	if len(l.queue) > 0 {
		l.queue = l.queue[1:]
	}
	l.mu.Unlock()
}

// HandleInbound decodes one raw frame and dispatches it to observers.
// Malformed frames and our own echoes are dropped silently; a sequence
// already seen from the same sender on this link is suppressed.
func (l *Link) HandleInbound(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordDecodeError(string(l.kind))
		return
	}
	if msg.SenderID == l.senderID {
		return
	}

	l.mu.Lock()
	seen, ok := l.seen[msg.SenderID]
	if !ok {
		seen = make(map[uint64]struct{})
		l.seen[msg.SenderID] = seen
	}
	if _, dup := seen[msg.Sequence]; dup {
		l.mu.Unlock()
		return
	}
	seen[msg.Sequence] = struct{}{}
	if len(seen) > seenSequenceLimit {
		l.seen[msg.SenderID] = make(map[uint64]struct{})
	}
	handlers := make([]MessageHandler, len(l.messageHandlers))
	copy(handlers, l.messageHandlers)
	l.mu.Unlock()

	metrics.RecordReceived(string(l.kind))
	for _, handler := range handlers {
		handler(msg)
	}
}

// StartHeartbeat begins the liveness loop. Beats are emitted only while
// the link is Connected and carry the current room context.
func (l *Link) StartHeartbeat() {
	l.hbMu.Lock()
	defer l.hbMu.Unlock()
	if l.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.hbStop = stop
	l.hbDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if l.State() == StateConnected {
					l.Send(protocol.NewHeartbeat(l.senderID, l.Room()))
				}
			}
		}
	}()
}

// StopHeartbeat cancels the liveness loop and waits for it with a bounded
// join. Safe to call twice.
func (l *Link) StopHeartbeat() {
	l.hbMu.Lock()
	stop, done := l.hbStop, l.hbDone
	l.hbStop, l.hbDone = nil, nil
	l.hbMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
	}
}

// AnnounceLeave sends a best-effort leave message; concrete transports
// call it at the start of Disconnect while the link is still up.
func (l *Link) AnnounceLeave() {
	l.Send(protocol.NewLeave(l.senderID))
}
