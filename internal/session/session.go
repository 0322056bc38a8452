// Package session coordinates one player's participation in a shared game.
//
// The coordinator owns the hybrid link manager, folds inbound traffic into
// the presence roster, answers peer sync requests, journals traffic, and
// exposes the game-facing operations (join, move, act, chat) the engine
// calls.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/meshzork/meshzork/internal/hybrid"
	"github.com/meshzork/meshzork/internal/journal"
	"github.com/meshzork/meshzork/internal/presence"
	"github.com/meshzork/meshzork/internal/protocol"
	"github.com/meshzork/meshzork/internal/transport"
)

// ChatHandler observes chat from remote players.
type ChatHandler func(from presence.Player, text string, team bool)

// ActionHandler observes visible actions from remote players.
type ActionHandler func(from presence.Player, verb, object, room string)

// RoomUpdateHandler observes room state changes from remote players.
type RoomUpdateHandler func(room, state string)

// ObjectUpdateHandler observes object state changes from remote players.
type ObjectUpdateHandler func(object, location, holder string)

// Config assembles a coordinator.
type Config struct {
	PlayerName string
	Hybrid     hybrid.Config
	Presence   presence.Config
}

// Coordinator is the multiplayer session for one player.
type Coordinator struct {
	playerName string
	manager    *hybrid.Manager
	roster     *presence.Manager
	journal    *journal.Store

	mu                   sync.Mutex
	room                 string
	chatHandlers         []ChatHandler
	actionHandlers       []ActionHandler
	roomUpdateHandlers   []RoomUpdateHandler
	objectUpdateHandlers []ObjectUpdateHandler
}

// New builds a coordinator over factory. jrnl may be nil to disable
// journaling.
func New(cfg Config, factory hybrid.Factory, jrnl *journal.Store) *Coordinator {
	cfg.Hybrid.PlayerName = cfg.PlayerName
	manager := hybrid.NewManager(factory, cfg.Hybrid)

	cfg.Presence.LocalID = manager.SenderID()
	roster := presence.NewManager(cfg.Presence)

	c := &Coordinator{
		playerName: cfg.PlayerName,
		manager:    manager,
		roster:     roster,
		journal:    jrnl,
		room:       protocol.DefaultRoom,
	}
	manager.OnMessage(c.handleInbound)
	return c
}

// SenderID returns this player's fixed-width identifier.
func (c *Coordinator) SenderID() string { return c.manager.SenderID() }

// Room returns the player's current room.
func (c *Coordinator) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Start connects the links, starts presence tracking, and announces the
// join. It returns false when no link came up; queued traffic will flush
// once one does.
func (c *Coordinator) Start(ctx context.Context) bool {
	up := c.manager.Connect(ctx)
	c.roster.Start()
	c.send(protocol.NewJoin(c.SenderID(), c.playerName, c.Room()))
	c.RequestSync("")
	return up
}

// Stop announces the leave and tears everything down.
func (c *Coordinator) Stop() {
	c.send(protocol.NewLeave(c.SenderID()))
	c.roster.Stop()
	c.manager.Disconnect()
}

// Move announces a room change and retargets heartbeats.
func (c *Coordinator) Move(to string) bool {
	c.mu.Lock()
	from := c.room
	c.room = to
	c.mu.Unlock()

	c.manager.SetRoom(to)
	return c.send(protocol.NewMove(c.SenderID(), from, to))
}

// Act announces a visible verb, optionally bound to an object.
func (c *Coordinator) Act(verb, object string) bool {
	return c.send(protocol.NewAction(c.SenderID(), verb, object, c.Room()))
}

// Chat sends free text to the current room, team-scoped when team is true.
func (c *Coordinator) Chat(text string, team bool) bool {
	return c.send(protocol.NewChat(c.SenderID(), text, c.Room(), team))
}

// ShareRoomState broadcasts a room state token.
func (c *Coordinator) ShareRoomState(room, state string) bool {
	return c.send(protocol.NewRoomUpdate(c.SenderID(), room, state))
}

// ShareObjectState broadcasts an object's new location or holder.
func (c *Coordinator) ShareObjectState(object, location, holder string) bool {
	return c.send(protocol.NewObjectUpdate(c.SenderID(), object, location, holder))
}

// RequestSync asks peers for their roster view, optionally scoped to a
// room.
func (c *Coordinator) RequestSync(room string) bool {
	return c.send(protocol.NewSyncRequest(c.SenderID(), room))
}

// OnPlayerJoin registers a roster-addition observer.
func (c *Coordinator) OnPlayerJoin(handler presence.JoinHandler) { c.roster.OnJoin(handler) }

// OnPlayerLeave registers a roster-removal observer.
func (c *Coordinator) OnPlayerLeave(handler presence.LeaveHandler) { c.roster.OnLeave(handler) }

// OnPlayerMove registers a room-change observer.
func (c *Coordinator) OnPlayerMove(handler presence.MoveHandler) { c.roster.OnMove(handler) }

// OnChat registers a chat observer.
func (c *Coordinator) OnChat(handler ChatHandler) {
	c.mu.Lock()
	c.chatHandlers = append(c.chatHandlers, handler)
	c.mu.Unlock()
}

// OnAction registers a visible-action observer.
func (c *Coordinator) OnAction(handler ActionHandler) {
	c.mu.Lock()
	c.actionHandlers = append(c.actionHandlers, handler)
	c.mu.Unlock()
}

// OnRoomUpdate registers a room state observer.
func (c *Coordinator) OnRoomUpdate(handler RoomUpdateHandler) {
	c.mu.Lock()
	c.roomUpdateHandlers = append(c.roomUpdateHandlers, handler)
	c.mu.Unlock()
}

// OnObjectUpdate registers an object state observer.
func (c *Coordinator) OnObjectUpdate(handler ObjectUpdateHandler) {
	c.mu.Lock()
	c.objectUpdateHandlers = append(c.objectUpdateHandlers, handler)
	c.mu.Unlock()
}

// PlayersInRoom returns remote players in the given room.
func (c *Coordinator) PlayersInRoom(room string) []presence.Player {
	return c.roster.PlayersInRoom(room)
}

// AllPlayers returns every tracked remote player.
func (c *Coordinator) AllPlayers() []presence.Player { return c.roster.AllPlayers() }

// PlayerCount returns the number of tracked remote players.
func (c *Coordinator) PlayerCount() int { return c.roster.Count() }

// Status reports per-link availability and connection state.
func (c *Coordinator) Status() []transport.Status { return c.manager.Status() }

// FormatPlayersInRoom renders the "also here" line for a room description,
// or empty when the player is alone.
func (c *Coordinator) FormatPlayersInRoom(room string) string {
	players := c.roster.PlayersInRoom(room)
	if len(players) == 0 {
		return ""
	}
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Name)
	}
	if len(names) == 1 {
		return names[0] + " is here."
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are here."
}

func (c *Coordinator) send(msg protocol.Message) bool {
	ok := c.manager.Send(msg)
	_ = c.journal.Append(context.Background(), journal.DirectionSent, string(c.manager.Primary()), msg)
	return ok
}

// handleInbound is the single sink for deduplicated traffic off the hybrid
// manager. link is the kind that carried the message, which need not be the
// primary.
func (c *Coordinator) handleInbound(link transport.Kind, msg protocol.Message) {
	_ = c.journal.Append(context.Background(), journal.DirectionReceived, string(link), msg)
	c.roster.Observe(msg)

	switch payload := msg.Payload.(type) {
	case protocol.Chat:
		from := c.senderPlayer(msg.SenderID)
		team := msg.Kind == protocol.KindTeamChat
		for _, handler := range c.snapshotChatHandlers() {
			handler(from, payload.Text, team)
		}
	case protocol.Action:
		from := c.senderPlayer(msg.SenderID)
		for _, handler := range c.snapshotActionHandlers() {
			handler(from, payload.Verb, payload.Object, payload.Room)
		}
	case protocol.RoomUpdate:
		for _, handler := range c.snapshotRoomUpdateHandlers() {
			handler(payload.Room, payload.State)
		}
	case protocol.ObjectUpdate:
		for _, handler := range c.snapshotObjectUpdateHandlers() {
			handler(payload.Object, payload.Location, payload.Holder)
		}
	case protocol.SyncRequest:
		c.answerSync(payload.Room)
	}
}

func (c *Coordinator) senderPlayer(id string) presence.Player {
	if player, ok := c.roster.Player(id); ok {
		return player
	}
	return presence.Player{ID: id, Name: id}
}

// answerSync replies with our view of the roster, including ourselves, so
// a node that just came up converges without waiting for heartbeats.
func (c *Coordinator) answerSync(room string) {
	var players []presence.Player
	if room == "" {
		players = c.roster.AllPlayers()
	} else {
		players = c.roster.PlayersInRoom(room)
	}

	roster := make([]protocol.RosterEntry, 0, len(players)+1)
	self := protocol.RosterEntry{ID: c.SenderID(), Name: c.playerName, Room: c.Room()}
	if room == "" || room == self.Room {
		roster = append(roster, self)
	}
	for _, p := range players {
		roster = append(roster, protocol.RosterEntry{ID: p.ID, Name: p.Name, Room: p.Room})
	}
	if len(roster) == 0 {
		return
	}
	c.send(protocol.NewSyncResponse(c.SenderID(), room, roster))
}

func (c *Coordinator) snapshotChatHandlers() []ChatHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatHandler(nil), c.chatHandlers...)
}

func (c *Coordinator) snapshotActionHandlers() []ActionHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ActionHandler(nil), c.actionHandlers...)
}

func (c *Coordinator) snapshotRoomUpdateHandlers() []RoomUpdateHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RoomUpdateHandler(nil), c.roomUpdateHandlers...)
}

func (c *Coordinator) snapshotObjectUpdateHandlers() []ObjectUpdateHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ObjectUpdateHandler(nil), c.objectUpdateHandlers...)
}

// probeTimeout bounds factory availability checks.
const probeTimeout = 2 * time.Second
