package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decode failure sentinels. Callers must treat all of them as non-fatal and
// drop the offending message.
var (
	// ErrMalformed indicates input that is not a valid wire message.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrUnknownKind indicates a kind tag outside the closed set.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrVersion indicates a message from a newer protocol version.
	ErrVersion = errors.New("protocol: unsupported protocol version")
)

// wireMessage is the compact transmission envelope.
type wireMessage struct {
	V int            `json:"v"`
	T string         `json:"t"`
	P string         `json:"p"`
	S uint64         `json:"s"`
	D map[string]any `json:"d,omitempty"`
}

// Encode serializes a message into its compact wire form.
//
// Encoding is lossy by design: the sender id is truncated to 6 characters
// and free-text fields to their declared maxima. Everything else round-trips
// through Decode.
func Encode(msg Message) ([]byte, error) {
	body, err := encodePayload(msg.Kind, msg.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		V: Version,
		T: string(msg.Kind),
		P: truncate(msg.SenderID, MaxSenderIDLen),
		S: msg.Sequence,
		D: body,
	})
}

// Decode parses a wire message. The returned message carries the local
// receipt time, not the sender's clock.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.V > Version {
		return Message{}, fmt.Errorf("%w: got %d, supports <= %d", ErrVersion, wire.V, Version)
	}
	kind := Kind(wire.T)
	if !KnownKind(kind) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.T)
	}
	payload, err := decodePayload(kind, wire.D)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      kind,
		SenderID:  wire.P,
		Sequence:  wire.S,
		Timestamp: time.Now(),
		Payload:   payload,
	}, nil
}

func encodePayload(kind Kind, payload Payload) (map[string]any, error) {
	d := map[string]any{}
	put := func(key string, v any) {
		if v != nil && v != "" {
			d[key] = v
		}
	}

	switch kind {
	case KindJoin:
		p, ok := payload.(Join)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("n", truncate(p.Name, MaxNameLen))
		put("r", roomRef(p.Room))
	case KindLeave:
		if _, ok := payload.(Leave); !ok {
			return nil, payloadMismatch(kind, payload)
		}
	case KindHeartbeat:
		p, ok := payload.(Heartbeat)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("r", roomRef(p.Room))
	case KindMove:
		p, ok := payload.(Move)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("f", roomRef(p.From))
		put("r", roomRef(p.To))
	case KindAction:
		p, ok := payload.(Action)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("v", truncate(p.Verb, MaxTokenLen))
		put("o", objectRef(p.Object))
		put("r", roomRef(p.Room))
	case KindRoomUpdate:
		p, ok := payload.(RoomUpdate)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("r", roomRef(p.Room))
		put("st", truncate(p.State, MaxTokenLen))
	case KindObjectUpdate:
		p, ok := payload.(ObjectUpdate)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("o", objectRef(p.Object))
		put("l", roomRef(p.Location))
		put("h", truncate(p.Holder, MaxSenderIDLen))
	case KindSyncRequest:
		p, ok := payload.(SyncRequest)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("r", roomRef(p.Room))
	case KindSyncResponse:
		p, ok := payload.(SyncResponse)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("r", roomRef(p.Room))
		if len(p.Roster) > 0 {
			entries := make([]any, 0, len(p.Roster))
			for _, entry := range p.Roster {
				e := map[string]any{
					"p": truncate(entry.ID, MaxSenderIDLen),
					"n": truncate(entry.Name, MaxNameLen),
				}
				if ref := roomRef(entry.Room); ref != nil {
					e["r"] = ref
				}
				entries = append(entries, e)
			}
			d["pl"] = entries
		}
	case KindChat, KindTeamChat:
		p, ok := payload.(Chat)
		if !ok {
			return nil, payloadMismatch(kind, payload)
		}
		put("m", truncate(p.Text, MaxChatLen))
		put("r", roomRef(p.Room))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(d) == 0 {
		return nil, nil
	}
	return d, nil
}

func decodePayload(kind Kind, d map[string]any) (Payload, error) {
	switch kind {
	case KindJoin:
		return Join{
			Name: str(d, "n"),
			Room: refName(d["r"], RoomNames),
		}, nil
	case KindLeave:
		return Leave{}, nil
	case KindHeartbeat:
		return Heartbeat{Room: refName(d["r"], RoomNames)}, nil
	case KindMove:
		return Move{
			From: refName(d["f"], RoomNames),
			To:   refName(d["r"], RoomNames),
		}, nil
	case KindAction:
		return Action{
			Verb:   str(d, "v"),
			Object: refName(d["o"], ObjectNames),
			Room:   refName(d["r"], RoomNames),
		}, nil
	case KindRoomUpdate:
		return RoomUpdate{
			Room:  refName(d["r"], RoomNames),
			State: str(d, "st"),
		}, nil
	case KindObjectUpdate:
		return ObjectUpdate{
			Object:   refName(d["o"], ObjectNames),
			Location: refName(d["l"], RoomNames),
			Holder:   str(d, "h"),
		}, nil
	case KindSyncRequest:
		return SyncRequest{Room: refName(d["r"], RoomNames)}, nil
	case KindSyncResponse:
		return decodeSyncResponse(d)
	case KindChat, KindTeamChat:
		return Chat{
			Text: str(d, "m"),
			Room: refName(d["r"], RoomNames),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeSyncResponse(d map[string]any) (Payload, error) {
	resp := SyncResponse{Room: refName(d["r"], RoomNames)}
	raw, ok := d["pl"]
	if !ok {
		return resp, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: sync roster is not a list", ErrMalformed)
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: sync roster entry is not an object", ErrMalformed)
		}
		resp.Roster = append(resp.Roster, RosterEntry{
			ID:   str(entry, "p"),
			Name: str(entry, "n"),
			Room: refName(entry["r"], RoomNames),
		})
	}
	return resp, nil
}

func payloadMismatch(kind Kind, payload Payload) error {
	return fmt.Errorf("%w: payload %T does not match kind %q", ErrMalformed, payload, kind)
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

// truncate caps s at max characters, cutting on a rune boundary so a
// multibyte trailing character is dropped whole rather than mangled.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
