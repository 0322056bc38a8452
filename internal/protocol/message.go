// Package protocol defines the compact wire format for multiplayer game
// messages.
//
// Messages are sized for links where a frame comfortably under 200 bytes is
// the norm: two-letter kind tags, single-letter payload keys, and integer
// substitution tables for room and object identifiers. The tables are static
// configuration shared by every participant in a session; growing them is a
// deploy-time operation.
package protocol

import (
	"strconv"
	"time"
)

// Version is carried on every wire message. Decode rejects messages from a
// newer protocol and accepts older ones best-effort.
const Version = 1

// Kind identifies a message variant by its two-letter wire tag.
type Kind string

const (
	KindJoin         Kind = "PJ"
	KindLeave        Kind = "PL"
	KindHeartbeat    Kind = "HB"
	KindMove         Kind = "PM"
	KindAction       Kind = "PA"
	KindRoomUpdate   Kind = "RU"
	KindObjectUpdate Kind = "OU"
	KindSyncRequest  Kind = "SY"
	KindSyncResponse Kind = "SR"
	KindChat         Kind = "CH"
	KindTeamChat     Kind = "TC"
)

// Encode-time truncation limits. Applied lossily; decode does not restore
// the original text.
const (
	MaxSenderIDLen = 6
	MaxNameLen     = 16
	MaxChatLen     = 128
	MaxTokenLen    = 8
)

var knownKinds = map[Kind]struct{}{
	KindJoin: {}, KindLeave: {}, KindHeartbeat: {}, KindMove: {},
	KindAction: {}, KindRoomUpdate: {}, KindObjectUpdate: {},
	KindSyncRequest: {}, KindSyncResponse: {}, KindChat: {}, KindTeamChat: {},
}

// KnownKind reports whether k is part of the protocol's closed kind set.
func KnownKind(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Message is one multiplayer event in transit.
//
// Sequence is assigned by the sending transport and never mutated after; it
// is the sole basis for duplicate detection and carries no ordering
// guarantee. Timestamp is local (creation or receipt) and is not
// transmitted.
type Message struct {
	Kind      Kind
	SenderID  string
	Sequence  uint64
	Timestamp time.Time
	Payload   Payload
}

// Key returns the sender:sequence pair used for duplicate detection.
func (m Message) Key() string {
	return m.SenderID + ":" + strconv.FormatUint(m.Sequence, 10)
}

// Payload is the closed union of kind-specific message bodies.
type Payload interface {
	payload()
}

// Join announces a player entering the game.
type Join struct {
	Name string
	Room string
}

// Leave announces a player exiting the game. It carries no fields.
type Leave struct{}

// Heartbeat is the periodic liveness beacon with the sender's room context.
type Heartbeat struct {
	Room string
}

// Move announces a room change.
type Move struct {
	From string
	To   string
}

// Action announces a visible verb, optionally bound to an object.
type Action struct {
	Verb   string
	Object string
	Room   string
}

// RoomUpdate carries a room state change token.
type RoomUpdate struct {
	Room  string
	State string
}

// ObjectUpdate carries an object's new location or holder.
type ObjectUpdate struct {
	Object   string
	Location string
	Holder   string
}

// SyncRequest asks peers for a state summary, optionally scoped to a room.
type SyncRequest struct {
	Room string
}

// SyncResponse summarizes the responder's view of the roster.
type SyncResponse struct {
	Room   string
	Roster []RosterEntry
}

// RosterEntry is one player in a sync response.
type RosterEntry struct {
	ID   string
	Name string
	Room string
}

// Chat carries free text scoped to a room. Team scoping is expressed by the
// message kind (KindChat vs KindTeamChat), not by the payload.
type Chat struct {
	Text string
	Room string
}

func (Join) payload()         {}
func (Leave) payload()        {}
func (Heartbeat) payload()    {}
func (Move) payload()         {}
func (Action) payload()       {}
func (RoomUpdate) payload()   {}
func (ObjectUpdate) payload() {}
func (SyncRequest) payload()  {}
func (SyncResponse) payload() {}
func (Chat) payload()         {}

// NewJoin builds a join announcement.
func NewJoin(sender, name, room string) Message {
	return newMessage(KindJoin, sender, Join{Name: name, Room: room})
}

// NewLeave builds a leave announcement.
func NewLeave(sender string) Message {
	return newMessage(KindLeave, sender, Leave{})
}

// NewHeartbeat builds a liveness beacon for the sender's current room.
func NewHeartbeat(sender, room string) Message {
	return newMessage(KindHeartbeat, sender, Heartbeat{Room: room})
}

// NewMove builds a room-change announcement.
func NewMove(sender, from, to string) Message {
	return newMessage(KindMove, sender, Move{From: from, To: to})
}

// NewAction builds a visible-action announcement. Object may be empty.
func NewAction(sender, verb, object, room string) Message {
	return newMessage(KindAction, sender, Action{Verb: verb, Object: object, Room: room})
}

// NewRoomUpdate builds a room state change.
func NewRoomUpdate(sender, room, state string) Message {
	return newMessage(KindRoomUpdate, sender, RoomUpdate{Room: room, State: state})
}

// NewObjectUpdate builds an object state change. Location and holder may be
// empty.
func NewObjectUpdate(sender, object, location, holder string) Message {
	return newMessage(KindObjectUpdate, sender, ObjectUpdate{Object: object, Location: location, Holder: holder})
}

// NewSyncRequest builds a state sync request. Room may be empty for a full
// sync.
func NewSyncRequest(sender, room string) Message {
	return newMessage(KindSyncRequest, sender, SyncRequest{Room: room})
}

// NewSyncResponse builds a roster summary response.
func NewSyncResponse(sender, room string, roster []RosterEntry) Message {
	return newMessage(KindSyncResponse, sender, SyncResponse{Room: room, Roster: roster})
}

// NewChat builds a chat message, team-scoped when team is true.
func NewChat(sender, text, room string, team bool) Message {
	kind := KindChat
	if team {
		kind = KindTeamChat
	}
	return newMessage(kind, sender, Chat{Text: text, Room: room})
}

func newMessage(kind Kind, sender string, payload Payload) Message {
	return Message{
		Kind:      kind,
		SenderID:  sender,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
