// Package wire implements the tagged JSON envelope exchanged on client
// sockets and on the Pub/Sub fabric. Binary payloads travel base64-encoded.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types. Unknown types are tolerated by sessions (logged and
// dropped), never a reason to disconnect.
const (
	// TypeSyncState carries the initial full document snapshot, server to
	// client, once per session.
	TypeSyncState = "sync_state"
	// TypeUpdate carries one binary CRDT update with server-side attribution.
	TypeUpdate = "update"
	// TypeAwareness carries opaque ephemeral client state. Never persisted.
	TypeAwareness = "awareness"
	// TypePresence carries server-enriched user presence.
	TypePresence = "presence"
	// TypeError carries a server-side failure notice to one client.
	TypeError = "error"
)

// ErrorReasonPersistFailed is sent when an update could not be durably folded.
const ErrorReasonPersistFailed = "persist_failed"

// Envelope is the decoded wire message. Fields not applicable to a type are
// left zero; unknown fields on the wire are tolerated.
type Envelope struct {
	Type string `json:"type"`

	// State is the base64 snapshot of a sync_state envelope.
	State string `json:"state,omitempty"`
	// Version is the snapshot version of a sync_state envelope.
	Version *int `json:"version,omitempty"`

	// Update is a base64 JSON string for update envelopes and an opaque
	// JSON value for awareness envelopes.
	Update json.RawMessage `json:"update,omitempty"`

	// Attribution and presence fields, filled server-side.
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarRef string `json:"avatarRef,omitempty"`
	ColorTag  string `json:"colorTag,omitempty"`
	TS        string `json:"ts,omitempty"`

	// Origin is the replica ID that published the envelope to the fabric.
	Origin string `json:"origin,omitempty"`

	// Reason describes an error envelope.
	Reason string `json:"reason,omitempty"`
}

// Decode parses one envelope, enforcing the payload size limit and the
// presence of a type tag.
func Decode(data []byte, maxSize int64) (*Envelope, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("envelope of %d bytes exceeds limit of %d", len(data), maxSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Encode serializes an envelope.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// UpdateBytes decodes the base64 update payload of an update envelope.
func (e *Envelope) UpdateBytes() ([]byte, error) {
	if len(e.Update) == 0 {
		return nil, fmt.Errorf("update envelope missing update field")
	}
	var b64 string
	if err := json.Unmarshal(e.Update, &b64); err != nil {
		return nil, fmt.Errorf("update field is not a base64 string: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("update field is not valid base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("update envelope carries empty payload")
	}
	return raw, nil
}

// NewSyncState builds the initial snapshot envelope.
func NewSyncState(state []byte) *Envelope {
	version := 0
	return &Envelope{
		Type:    TypeSyncState,
		State:   base64.StdEncoding.EncodeToString(state),
		Version: &version,
	}
}

// StateBytes decodes the base64 snapshot of a sync_state envelope.
func (e *Envelope) StateBytes() ([]byte, error) {
	if e.State == "" {
		return nil, fmt.Errorf("sync_state envelope missing state field")
	}
	raw, err := base64.StdEncoding.DecodeString(e.State)
	if err != nil {
		return nil, fmt.Errorf("state field is not valid base64: %w", err)
	}
	return raw, nil
}

// NewError builds an error envelope with the given reason.
func NewError(reason string) *Envelope {
	return &Envelope{Type: TypeError, Reason: reason}
}

// AttributeUpdate rewrites a raw update envelope with server-side
// attribution and origin, preserving any client-supplied fields.
func AttributeUpdate(raw []byte, userID, username, origin string, ts time.Time) ([]byte, error) {
	return rewrite(raw, map[string]interface{}{
		"userId":   userID,
		"username": username,
		"ts":       ts.UTC().Format(time.RFC3339Nano),
		"origin":   origin,
	})
}

// EnrichPresence rewrites a raw presence envelope with the identity captured
// at session start, preserving client-supplied fields such as position.
func EnrichPresence(raw []byte, userID, username, avatarRef, colorTag, origin string) ([]byte, error) {
	return rewrite(raw, map[string]interface{}{
		"userId":    userID,
		"username":  username,
		"avatarRef": avatarRef,
		"colorTag":  colorTag,
		"origin":    origin,
	})
}

// rewrite overlays fields onto a raw JSON envelope. The map form keeps
// unknown client fields intact.
func rewrite(raw []byte, fields map[string]interface{}) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode envelope for rewrite: %w", err)
	}
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q: %w", k, err)
		}
		m[k] = encoded
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rewritten envelope: %w", err)
	}
	return out, nil
}
