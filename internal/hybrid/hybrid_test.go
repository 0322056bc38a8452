package hybrid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/transport"
)

// fakeLink is an in-memory transport.Transport.
type fakeLink struct {
	kind transport.Kind

	mu            sync.Mutex
	state         transport.State
	sent          []protocol.Message
	connectOK     bool
	sendOK        bool
	msgHandlers   []transport.MessageHandler
	stateHandlers []transport.StateHandler
}

func newFakeLink(kind transport.Kind) *fakeLink {
	return &fakeLink{kind: kind, connectOK: true, sendOK: true}
}

func (f *fakeLink) Kind() transport.Kind { return f.kind }

func (f *fakeLink) Connect(context.Context) bool {
	f.mu.Lock()
	ok := f.connectOK
	f.mu.Unlock()
	if !ok {
		f.setState(transport.StateError)
		return false
	}
	f.setState(transport.StateConnected)
	return true
}

func (f *fakeLink) Disconnect() { f.setState(transport.StateDisconnected) }

func (f *fakeLink) Send(msg protocol.Message) bool {
	f.mu.Lock()
	ok := f.sendOK && f.state == transport.StateConnected
	if ok {
		f.sent = append(f.sent, msg)
	}
	f.mu.Unlock()
	return ok
}

func (f *fakeLink) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) SenderID() string { return transport.DeriveSenderID("Adventurer") }
func (f *fakeLink) SetRoom(string)   {}

func (f *fakeLink) OnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	f.msgHandlers = append(f.msgHandlers, h)
	f.mu.Unlock()
}

func (f *fakeLink) OnStateChange(h transport.StateHandler) {
	f.mu.Lock()
	f.stateHandlers = append(f.stateHandlers, h)
	f.mu.Unlock()
}

func (f *fakeLink) setState(next transport.State) {
	f.mu.Lock()
	if f.state == next {
		f.mu.Unlock()
		return
	}
	f.state = next
	handlers := append([]transport.StateHandler(nil), f.stateHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(next)
	}
}

func (f *fakeLink) setSendOK(ok bool) {
	f.mu.Lock()
	f.sendOK = ok
	f.mu.Unlock()
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// inject delivers a raw inbound message as if the link received it.
func (f *fakeLink) inject(msg protocol.Message) {
	f.mu.Lock()
	handlers := append([]transport.MessageHandler(nil), f.msgHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// fakeFactory hands out pre-built fake links.
type fakeFactory struct {
	mu     sync.Mutex
	links  map[transport.Kind]*fakeLink
	probes map[transport.Kind]bool
}

func newFakeFactory(kinds ...transport.Kind) *fakeFactory {
	f := &fakeFactory{
		links:  make(map[transport.Kind]*fakeLink),
		probes: make(map[transport.Kind]bool),
	}
	for _, kind := range kinds {
		f.links[kind] = newFakeLink(kind)
		f.probes[kind] = true
	}
	return f
}

func (f *fakeFactory) New(kind transport.Kind) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[kind]
	if !ok {
		link = newFakeLink(kind)
		f.links[kind] = link
	}
	return link, nil
}

func (f *fakeFactory) Probe(kind transport.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[kind]
}

func (f *fakeFactory) setProbe(kind transport.Kind, ok bool) {
	f.mu.Lock()
	f.probes[kind] = ok
	f.mu.Unlock()
}

func inbound(sender string, seq uint64) protocol.Message {
	msg := protocol.NewChat(sender, "hello", "whous", false)
	msg.Sequence = seq
	return msg
}

func TestCrossLinkDeduplication(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
	})
	if !mgr.Connect(context.Background()) {
		t.Fatal("expected connect to succeed")
	}
	defer mgr.Disconnect()

	var mu sync.Mutex
	delivered := 0
	var via []transport.Kind
	mgr.OnMessage(func(link transport.Kind, _ protocol.Message) {
		mu.Lock()
		delivered++
		via = append(via, link)
		mu.Unlock()
	})

	msg := inbound("ef34gh", 7)
	factory.links[transport.KindDaemon].inject(msg)
	factory.links[transport.KindMQTT].inject(msg) // mesh relay of the same frame
	if got := mgr.DuplicateCount(); got != 1 {
		t.Fatalf("expected duplicate count 1 after the relay, got %d", got)
	}
	factory.links[transport.KindDaemon].inject(msg)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", delivered)
	}
	if len(via) != 1 || via[0] != transport.KindDaemon {
		t.Fatalf("expected delivery attributed to the daemon link, got %v", via)
	}
	if got := mgr.DuplicateCount(); got != 2 {
		t.Fatalf("expected duplicate count 2, got %d", got)
	}
}

func TestDedupWindowExpires(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon},
		DedupTTL:   50 * time.Millisecond,
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	var mu sync.Mutex
	delivered := 0
	mgr.OnMessage(func(transport.Kind, protocol.Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	msg := inbound("ef34gh", 1)
	factory.links[transport.KindDaemon].inject(msg)
	time.Sleep(150 * time.Millisecond)
	factory.links[transport.KindDaemon].inject(msg)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("expected replay after window expiry, got %d deliveries", delivered)
	}
	if got := mgr.DuplicateCount(); got != 0 {
		t.Fatalf("expected no duplicates counted after expiry, got %d", got)
	}
}

func TestPrimaryFollowsPriority(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	if got := mgr.Primary(); got != transport.KindDaemon {
		t.Fatalf("expected daemon primary, got %q", got)
	}
	if mgr.ConnectedCount() != 2 {
		t.Fatalf("expected 2 connected links, got %d", mgr.ConnectedCount())
	}
}

func TestFailoverElectsNextLink(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	type change struct{ from, to transport.Kind }
	changes := make(chan change, 4)
	mgr.OnFailover(func(from, to transport.Kind) { changes <- change{from, to} })

	factory.links[transport.KindDaemon].setState(transport.StateError)

	select {
	case c := <-changes:
		if c.from != transport.KindDaemon || c.to != transport.KindMQTT {
			t.Fatalf("unexpected failover %q -> %q", c.from, c.to)
		}
	case <-time.After(time.Second):
		t.Fatal("no failover observed")
	}
	if got := mgr.Primary(); got != transport.KindMQTT {
		t.Fatalf("expected mqtt primary after failover, got %q", got)
	}
}

func TestSendFallsBackWhenPrimaryCannotTransmit(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName:     "Adventurer",
		Priority:       []transport.Kind{transport.KindDaemon, transport.KindMQTT},
		EnableFallback: true,
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	factory.links[transport.KindDaemon].setSendOK(false)

	if !mgr.Send(protocol.NewLeave(mgr.SenderID())) {
		t.Fatal("expected fallback send to succeed")
	}
	if factory.links[transport.KindMQTT].sentCount() != 1 {
		t.Fatalf("expected mqtt to carry the message, got %d", factory.links[transport.KindMQTT].sentCount())
	}
}

func TestSendWithoutFallbackStopsAtPrimary(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	factory.links[transport.KindDaemon].setSendOK(false)

	if mgr.Send(protocol.NewLeave(mgr.SenderID())) {
		t.Fatal("expected send to fail without fallback")
	}
	if factory.links[transport.KindMQTT].sentCount() != 0 {
		t.Fatalf("expected mqtt untouched, got %d sends", factory.links[transport.KindMQTT].sentCount())
	}
}

func TestAutoDetectReconnectsRecoveredLink(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon)
	factory.setProbe(transport.KindDaemon, false)

	mgr := NewManager(factory, Config{
		PlayerName:        "Adventurer",
		Priority:          []transport.Kind{transport.KindDaemon},
		AutoDetect:        true,
		DetectionInterval: 20 * time.Millisecond,
	})
	if mgr.Connect(context.Background()) {
		t.Fatal("expected connect to fail while link unavailable")
	}
	defer mgr.Disconnect()

	factory.setProbe(transport.KindDaemon, true)

	deadline := time.After(2 * time.Second)
	for mgr.Primary() != transport.KindDaemon {
		select {
		case <-deadline:
			t.Fatal("link was not reconnected by the sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusReportsProbeAndConnection(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
		AutoDetect: true,
	})
	mgr.Connect(context.Background())
	defer mgr.Disconnect()

	statuses := mgr.Status()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for _, status := range statuses {
		if !status.Available || !status.Connected {
			t.Fatalf("expected %s available and connected: %+v", status.Kind, status)
		}
		if status.LastProbe.IsZero() {
			t.Fatalf("expected %s probe timestamp recorded", status.Kind)
		}
	}
}

func TestDisconnectTearsDownAllLinks(t *testing.T) {
	factory := newFakeFactory(transport.KindDaemon, transport.KindMQTT)
	mgr := NewManager(factory, Config{
		PlayerName: "Adventurer",
		Priority:   []transport.Kind{transport.KindDaemon, transport.KindMQTT},
	})
	mgr.Connect(context.Background())

	mgr.Disconnect()
	if mgr.Primary() != "" {
		t.Fatalf("expected no primary after disconnect, got %q", mgr.Primary())
	}
	for kind, link := range factory.links {
		if link.State() != transport.StateDisconnected {
			t.Fatalf("expected %s disconnected, got %s", kind, link.State())
		}
	}
	mgr.Disconnect() // idempotent
}
