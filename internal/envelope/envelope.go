// Package envelope implements the wire message format exchanged between the
// orchestrator and pilot devices: encoding, decoding, field validation, and
// monotonic per-sender id assignment.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Key is one of the closed set of verbs the wire protocol recognizes.
type Key string

const (
	KeyHandshake Key = "HANDSHAKE"
	KeyState     Key = "STATE"
	KeyPing      Key = "PING"
	KeyData      Key = "DATA"
	KeyContinuous Key = "CONTINUOUS"
	KeyStream    Key = "STREAM"
	KeyIncTrial  Key = "INC_TRIAL_COUNTER"
	KeyTaskError Key = "TASK_ERROR"
	KeyStart     Key = "START"
	KeyStop      Key = "STOP"
	KeyConfirm   Key = "CONFIRM"
)

// knownKeys is the accepted-verb set; anything else is logged and dropped on
// receive per §4.A.
var knownKeys = map[Key]bool{
	KeyHandshake: true, KeyState: true, KeyPing: true,
	KeyData: true, KeyContinuous: true, KeyStream: true,
	KeyIncTrial: true, KeyTaskError: true,
	KeyStart: true, KeyStop: true, KeyConfirm: true,
}

// IsKnown reports whether k is one of the reserved wire verbs.
func IsKnown(k Key) bool {
	return knownKeys[k]
}

// DefaultTTL is the resend budget a freshly constructed envelope is given.
// §4.A requires ttl >= 3.
const DefaultTTL = 3

// FlagNoRepeat marks an envelope as exempt from the outbox/resend cycle —
// set unconditionally on CONFIRM envelopes.
const FlagNoRepeat = "NOREPEAT"

// Envelope is a single message on the wire, per §3.
type Envelope struct {
	Sender    string         `json:"sender"`
	To        string         `json:"to"`
	Key       Key            `json:"key"`
	Value     any            `json:"value,omitempty"`
	ID        string         `json:"id"`
	Flags     map[string]bool `json:"flags,omitempty"`
	TTL       int            `json:"ttl"`
	Timestamp time.Time      `json:"timestamp"`
}

// HasFlag reports whether e carries the named flag.
func (e Envelope) HasFlag(name string) bool {
	return e.Flags[name]
}

// Repeatable reports whether e is eligible for the outbox/resend cycle:
// any key other than CONFIRM, without NOREPEAT set.
func (e Envelope) Repeatable() bool {
	return e.Key != KeyConfirm && !e.HasFlag(FlagNoRepeat)
}

// Builder assigns monotonic ids and default fields to outbound envelopes on
// behalf of a single sender identity (typically the orchestrator itself).
type Builder struct {
	sender  string
	counter atomic.Uint64
}

// NewBuilder returns a Builder that stamps envelopes as coming from sender.
func NewBuilder(sender string) *Builder {
	return &Builder{sender: sender}
}

// New constructs a fresh outbound envelope: timestamp is stamped now, ttl is
// initialized to DefaultTTL, and id is assigned "{sender}_{n}" with n
// monotonically increasing for the lifetime of the Builder.
func (b *Builder) New(to string, key Key, value any, flags map[string]bool) Envelope {
	n := b.counter.Add(1)
	return Envelope{
		Sender:    b.sender,
		To:        to,
		Key:       key,
		Value:     value,
		ID:        fmt.Sprintf("%s_%d", b.sender, n),
		Flags:     flags,
		TTL:       DefaultTTL,
		Timestamp: time.Now().UTC(),
	}
}

// Confirm builds the CONFIRM envelope acknowledging receipt of id, destined
// back to the original sender. It always carries NOREPEAT, per spec.
func (b *Builder) Confirm(to string, id string) Envelope {
	e := b.New(to, KeyConfirm, id, map[string]bool{FlagNoRepeat: true})
	return e
}

// Encode serializes e to its wire form. The codec is self-describing JSON;
// Encode(Decode(bytes)) == bytes is not bit-for-bit guaranteed by Go's JSON
// marshaler (map key order, float formatting) but is guaranteed at the level
// of re-decoding to an equal Envelope value — see the round-trip test.
func Encode(e Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses the wire form into an Envelope and validates required
// fields. It does not stamp timestamp/ttl — those are only set on
// construction via Builder.New for outbound messages.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate rejects envelopes missing sender, to, key, or id, per §4.A.
func Validate(e Envelope) error {
	if e.Sender == "" {
		return fmt.Errorf("envelope: missing sender")
	}
	if e.To == "" {
		return fmt.Errorf("envelope: missing to")
	}
	if e.Key == "" {
		return fmt.Errorf("envelope: missing key")
	}
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	return nil
}

// StreamBatch is the shape of a STREAM envelope's value when it carries a
// batch of events rather than a single one: {"inner_key": <verb>, "payload":
// [<event>, ...]}. See SPEC_FULL.md's STREAM supplement.
type StreamBatch struct {
	InnerKey Key   `json:"inner_key"`
	Payload  []any `json:"payload"`
}

// AsStreamBatch attempts to interpret value (typically e.Value after a JSON
// round trip, i.e. a map[string]any) as a StreamBatch. ok is false if value
// does not carry the inner_key/payload shape, in which case callers should
// treat the envelope as a single ordinary event.
func AsStreamBatch(value any) (batch StreamBatch, ok bool) {
	m, isMap := value.(map[string]any)
	if !isMap {
		return StreamBatch{}, false
	}
	innerKeyRaw, hasInner := m["inner_key"]
	payloadRaw, hasPayload := m["payload"]
	if !hasInner || !hasPayload {
		return StreamBatch{}, false
	}
	innerKey, isString := innerKeyRaw.(string)
	if !isString {
		return StreamBatch{}, false
	}
	payload, isSlice := payloadRaw.([]any)
	if !isSlice {
		return StreamBatch{}, false
	}
	return StreamBatch{InnerKey: Key(innerKey), Payload: payload}, true
}
