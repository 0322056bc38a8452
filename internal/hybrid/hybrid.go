// Package hybrid multiplexes several links into one logical channel.
//
// The manager owns one transport per configured kind, elects the
// highest-priority connected link as primary, fails over when the primary
// drops, and suppresses cross-link duplicates so observers see each logical
// message exactly once no matter how many links relayed it.
package hybrid

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/telemetry/metrics"
	"github.com/meshzork/meshzork/internal/transport"
)

const (
	// DefaultDedupCapacity bounds the cross-link duplicate cache.
	DefaultDedupCapacity = 1000
	// DefaultDedupTTL is how long a message key stays suppressed. Longer
	// than any plausible mesh relay delay.
	DefaultDedupTTL = 5 * time.Minute
	// DefaultDetectionInterval is the availability sweep cadence.
	DefaultDetectionInterval = 30 * time.Second

	loopJoinTimeout = 2 * time.Second
)

// DefaultPriority prefers local links over the network broker.
var DefaultPriority = []transport.Kind{
	transport.KindDaemon,
	transport.KindSerial,
	transport.KindMQTT,
}

// Factory builds and probes concrete links on the manager's behalf. It
// decouples the manager from link constructors and lets tests substitute
// in-memory links.
type Factory interface {
	New(kind transport.Kind) (transport.Transport, error)
	Probe(kind transport.Kind) bool
}

// MessageHandler observes deduplicated inbound messages together with the
// kind of the link that carried them.
type MessageHandler func(link transport.Kind, msg protocol.Message)

// FailoverHandler observes active-link changes.
type FailoverHandler func(from, to transport.Kind)

// Config tunes the manager. Zero fields take the package defaults;
// EnableFallback and AutoDetect are opt-in.
type Config struct {
	PlayerName string
	// Priority orders link kinds from most to least preferred.
	Priority []transport.Kind
	// DedupCapacity and DedupTTL size the duplicate cache.
	DedupCapacity int
	DedupTTL      time.Duration
	// EnableFallback allows Send to try lower-priority links when the
	// primary cannot transmit.
	EnableFallback bool
	// AutoDetect starts the background sweep that probes link
	// availability and reconnects dropped links.
	AutoDetect        bool
	DetectionInterval time.Duration
}

type probeResult struct {
	ok bool
	at time.Time
}

// Manager is the hybrid link coordinator.
type Manager struct {
	cfg     Config
	factory Factory

	mu               sync.Mutex
	links            map[transport.Kind]transport.Transport
	primary          transport.Kind
	room             string
	probes           map[transport.Kind]probeResult
	duplicates       uint64
	handlers         []MessageHandler
	failoverHandlers []FailoverHandler

	seen *expirable.LRU[string, struct{}]

	loopStop chan struct{}
	loopDone chan struct{}
}

// NewManager builds a manager over factory. Links are not created until
// Connect.
func NewManager(factory Factory, cfg Config) *Manager {
	if len(cfg.Priority) == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = DefaultDetectionInterval
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		links:   make(map[transport.Kind]transport.Transport),
		room:    transport.DefaultRoom,
		probes:  make(map[transport.Kind]probeResult),
		seen:    expirable.NewLRU[string, struct{}](cfg.DedupCapacity, nil, cfg.DedupTTL),
	}
}

// SenderID returns the player's fixed-width identifier. Every link the
// manager owns stamps the same id.
func (m *Manager) SenderID() string {
	return transport.DeriveSenderID(m.cfg.PlayerName)
}

// OnMessage registers an observer for deduplicated inbound messages.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// OnFailover registers an observer for active-link changes.
func (m *Manager) OnFailover(handler FailoverHandler) {
	m.mu.Lock()
	m.failoverHandlers = append(m.failoverHandlers, handler)
	m.mu.Unlock()
}

// Connect brings up the given link kinds, or every configured kind when
// none are named. It returns true when at least one link connected. With
// AutoDetect set, the availability sweep starts regardless of the outcome
// so absent links are picked up once they appear.
func (m *Manager) Connect(ctx context.Context, kinds ...transport.Kind) bool {
	// An explicit kind list skips probing: the caller asserted the link is
	// worth trying. The default list is probed first so absent hardware
	// does not cost a connect timeout each.
	probeFirst := len(kinds) == 0
	if len(kinds) == 0 {
		kinds = m.cfg.Priority
	}
	anyUp := false
	for _, kind := range kinds {
		link, err := m.ensureLink(kind)
		if err != nil {
			log.Printf("hybrid: create %s link: %v", kind, err)
			continue
		}
		if probeFirst && !m.probe(kind) {
			continue
		}
		if link.Connect(ctx) {
			anyUp = true
		}
	}
	m.electPrimary()
	m.updateConnectedMetric()
	if m.cfg.AutoDetect {
		m.startDetection()
	}
	return anyUp
}

// ensureLink returns the existing link for kind, creating and wiring a new
// one when absent.
func (m *Manager) ensureLink(kind transport.Kind) (transport.Transport, error) {
	m.mu.Lock()
	if link, ok := m.links[kind]; ok {
		m.mu.Unlock()
		return link, nil
	}
	room := m.room
	m.mu.Unlock()

	link, err := m.factory.New(kind)
	if err != nil {
		return nil, err
	}
	link.SetRoom(room)
	link.OnMessage(func(msg protocol.Message) { m.dispatch(kind, msg) })
	link.OnStateChange(func(s transport.State) {
		m.updateConnectedMetric()
		m.electPrimary()
	})

	m.mu.Lock()
	// Another goroutine may have raced us here; keep the first.
	if existing, ok := m.links[kind]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.links[kind] = link
	m.mu.Unlock()
	return link, nil
}

// dispatch delivers one inbound message to observers unless its key was
// already seen on any link within the dedup window.
func (m *Manager) dispatch(from transport.Kind, msg protocol.Message) {
	key := msg.Key()
	m.mu.Lock()
	if _, dup := m.seen.Get(key); dup {
		m.duplicates++
		m.mu.Unlock()
		metrics.RecordDuplicate()
		return
	}
	m.seen.Add(key, struct{}{})
	handlers := append([]MessageHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(from, msg)
	}
}

// DuplicateCount reports how many inbound messages were suppressed as
// cross-link duplicates since the manager was built.
func (m *Manager) DuplicateCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicates
}

// Send transmits via the primary link, falling back through the priority
// order when fallback is enabled. When no link can transmit, the message is
// left queued on the primary link (if any) and Send reports false.
func (m *Manager) Send(msg protocol.Message) bool {
	m.mu.Lock()
	primary := m.primary
	order := make([]transport.Kind, 0, len(m.cfg.Priority))
	if primary != "" {
		order = append(order, primary)
	}
	for _, kind := range m.cfg.Priority {
		if kind != primary {
			order = append(order, kind)
		}
	}
	links := make(map[transport.Kind]transport.Transport, len(m.links))
	for kind, link := range m.links {
		links[kind] = link
	}
	m.mu.Unlock()

	for i, kind := range order {
		if i > 0 && !m.cfg.EnableFallback {
			break
		}
		link := links[kind]
		if link == nil || link.State() != transport.StateConnected {
			continue
		}
		if link.Send(msg) {
			return true
		}
	}

	// Nothing transmitted; leave it in a bounded link queue for the next
	// flush. Prefer the primary, else the best existing link.
	target := links[primary]
	if target == nil {
		for _, kind := range m.cfg.Priority {
			if links[kind] != nil {
				target = links[kind]
				break
			}
		}
	}
	if target != nil && target.State() != transport.StateConnected {
		target.Send(msg)
	}
	return false
}

// SetRoom updates the room context on every link, present and future.
func (m *Manager) SetRoom(room string) {
	m.mu.Lock()
	m.room = room
	links := make([]transport.Transport, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()
	for _, link := range links {
		link.SetRoom(room)
	}
}

// Primary returns the currently elected link kind, or empty when no link
// is connected.
func (m *Manager) Primary() transport.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// electPrimary recomputes the active link as the highest-priority connected
// one and notifies failover observers when it changed.
func (m *Manager) electPrimary() {
	m.mu.Lock()
	old := m.primary
	var next transport.Kind
	for _, kind := range m.cfg.Priority {
		if link := m.links[kind]; link != nil && link.State() == transport.StateConnected {
			next = kind
			break
		}
	}
	m.primary = next
	handlers := append([]FailoverHandler(nil), m.failoverHandlers...)
	m.mu.Unlock()

	if next == old {
		return
	}
	if old != "" && next != "" {
		log.Printf("hybrid: active link %s -> %s", old, next)
		metrics.RecordFailover()
	}
	for _, handler := range handlers {
		handler(old, next)
	}
}

func (m *Manager) probe(kind transport.Kind) bool {
	ok := m.factory.Probe(kind)
	m.mu.Lock()
	m.probes[kind] = probeResult{ok: ok, at: time.Now()}
	m.mu.Unlock()
	return ok
}

// Status reports one entry per configured kind, in priority order.
func (m *Manager) Status() []transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Status, 0, len(m.cfg.Priority))
	for _, kind := range m.cfg.Priority {
		status := transport.Status{Kind: kind}
		if pr, ok := m.probes[kind]; ok {
			status.Available = pr.ok
			status.LastProbe = pr.at
		}
		if link := m.links[kind]; link != nil {
			state := link.State()
			status.Connected = state == transport.StateConnected
			if state == transport.StateError {
				status.Err = "link error"
			}
		}
		out = append(out, status)
	}
	return out
}

// ConnectedCount reports how many links are currently connected.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, link := range m.links {
		if link.State() == transport.StateConnected {
			count++
		}
	}
	return count
}

func (m *Manager) updateConnectedMetric() {
	metrics.SetConnectedLinks(m.ConnectedCount())
}

// startDetection launches the availability sweep once.
func (m *Manager) startDetection() {
	m.mu.Lock()
	if m.loopStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.loopStop, m.loopDone = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.DetectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep probes every configured kind and reconnects links that dropped or
// only just became available.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DetectionInterval)
	defer cancel()

	for _, kind := range m.cfg.Priority {
		if !m.probe(kind) {
			continue
		}
		link, err := m.ensureLink(kind)
		if err != nil {
			log.Printf("hybrid: create %s link: %v", kind, err)
			continue
		}
		switch link.State() {
		case transport.StateConnected, transport.StateConnecting:
		default:
			if link.Connect(ctx) {
				log.Printf("hybrid: %s link recovered", kind)
			}
		}
	}
	m.electPrimary()
	m.updateConnectedMetric()
}

// Disconnect stops the availability sweep and tears down every link. Safe
// to call twice.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	stop, done := m.loopStop, m.loopDone
	m.loopStop, m.loopDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(loopJoinTimeout):
		}
	}

	m.mu.Lock()
	links := make([]transport.Transport, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.links = make(map[transport.Kind]transport.Transport)
	m.primary = ""
	m.mu.Unlock()

	for _, link := range links {
		link.Disconnect()
	}
	metrics.SetConnectedLinks(0)
}
