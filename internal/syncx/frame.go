package syncx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
)

// Control message types
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeSubscribe             = "subscribe"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatResponse     = "heartbeat_response"
)

// Frame is a server-to-client push message
type Frame struct {
	ID          string          `json:"id"`
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ClientMessage is a client-to-server control message
type ClientMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Change is the data of an entity change frame
type Change struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	ActorID string `json:"actor_id,omitempty"`
}

var kindVerbs = map[oplog.Kind]string{
	oplog.KindCreate: "created",
	oplog.KindUpdate: "updated",
	oplog.KindMove:   "moved",
	oplog.KindDelete: "deleted",
}

// MessageType names the change frame for an entity type and kind, such as
// "note_updated"
func MessageType(t entity.Type, k oplog.Kind) string {
	return string(t) + "_" + kindVerbs[k]
}

// ParseMessageType reverses MessageType. ok is false for control frames and
// unknown types.
func ParseMessageType(s string) (entity.Type, oplog.Kind, bool) {
	typ, verb, found := strings.Cut(s, "_")
	if !found {
		return "", "", false
	}
	t := entity.Type(typ)
	if !t.Valid() {
		return "", "", false
	}
	for k, v := range kindVerbs {
		if v == verb {
			return t, k, true
		}
	}
	return "", "", false
}

// NewFrame builds a frame with a fresh id
func NewFrame(messageType string, data any, now time.Time) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s data: %w", messageType, err)
	}
	return Frame{ID: uuid.New().String(), MessageType: messageType, Data: raw, Timestamp: now.UTC()}, nil
}

// ChangeFrame builds the push frame announcing a committed change
func ChangeFrame(t entity.Type, k oplog.Kind, c Change, now time.Time) (Frame, error) {
	return NewFrame(MessageType(t, k), c, now)
}

// ParseChange decodes change frame data. It tolerates camelCase actorId and
// numeric strings for version, which older servers send.
func ParseChange(raw json.RawMessage) (Change, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}

	var out Change
	id, ok := GetString(m, "id")
	if !ok || id == "" {
		return out, errors.New("missing id")
	}
	out.ID = id

	switch v := m["version"].(type) {
	case float64:
		out.Version = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("invalid version %q", v)
		}
		out.Version = n
	}

	if a, ok := GetString(m, "actor_id"); ok {
		out.ActorID = a
	} else if a, ok := GetString(m, "actorId"); ok {
		out.ActorID = a
	}
	return out, nil
}

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}
