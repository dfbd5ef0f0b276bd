package eventbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessingState is the lifecycle state of a queue row (spec.md §3).
type ProcessingState string

const (
	StateAvailable    ProcessingState = "AVAILABLE"
	StateInProcessing ProcessingState = "IN_PROCESSING"
	StateProcessed    ProcessingState = "PROCESSED"
	StateFailed       ProcessingState = "FAILED"
)

// Event is anything that can be posted through the bus. ClassName returns
// the stable type tag used for dispatch routing and decoder lookup; it must
// never change across a running process (spec.md §3 invariant 5) and should
// not be derived from a Go package path, since refactors would break
// previously-queued rows.
type Event interface {
	ClassName() string
}

// Row is the persisted shape of a queued event (spec.md §3). It denormalizes
// UserToken/SearchKey1/SearchKey2 out of EventJSON into indexed columns.
type Row struct {
	RecordID   int64
	ClassName  string
	EventJSON  []byte
	UserToken  uuid.UUID
	SearchKey1 *int64
	SearchKey2 int64

	CreatedDate     time.Time
	CreatorName     string
	ErrorCount      int
	ProcessingState ProcessingState

	ProcessingOwner         *string
	ProcessingAvailableDate *time.Time
}

// Correlated is implemented by events that carry the two opaque search-key
// correlation handles (spec.md §3). Events that don't implement it are
// posted with SearchKey1 = nil, SearchKey2 = 0.
type Correlated interface {
	SearchKeys() (searchKey1 *int64, searchKey2 int64)
}

// Tokened is implemented by events that carry the 128-bit correlation
// UserToken end-to-end. Events that don't implement it get a zero UUID.
type Tokened interface {
	UserToken() uuid.UUID
}

// Decoder turns a previously-encoded payload back into a concrete Event.
// Registered per class name in a Codec.
type Decoder func(payload []byte) (Event, error)

// ErrUnknownClassName is returned by Decode when no decoder is registered
// for a row's class_name — a non-fatal dispatch error per spec.md §4.A/§7.
var ErrUnknownClassName = fmt.Errorf("eventbus: no decoder registered for class name")

// Codec is component A: the event row codec. It is deterministic —
// Decode(Encode(e)) round-trips to bytewise-identical JSON under the same
// Codec configuration (spec.md §4.A), because encoding/json serializes
// struct fields in declaration order and map keys are avoided in Event
// payloads by convention.
type Codec struct {
	decoders map[string]Decoder
}

// NewCodec builds an empty Codec. Register decoders with Register before use.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]Decoder)}
}

// Register binds a class name to a decoder. Re-registering the same class
// name replaces the previous decoder, so tests can stub decoders freely.
func (c *Codec) Register(className string, dec Decoder) {
	c.decoders[className] = dec
}

// Encode serializes an event to its class name and canonical JSON payload.
func (c *Codec) Encode(event Event) (className string, payload []byte, err error) {
	className = event.ClassName()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return "", nil, fmt.Errorf("eventbus: encode %s: %w", className, err)
	}
	// json.Encoder.Encode appends a trailing newline; trim it so re-encoding
	// a decoded event is bytewise comparable to the original payload.
	payload = bytes.TrimRight(buf.Bytes(), "\n")
	return className, payload, nil
}

// Decode resolves className to a registered decoder and invokes it.
func (c *Codec) Decode(className string, payload []byte) (Event, error) {
	dec, ok := c.decoders[className]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClassName, className)
	}
	event, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("eventbus: decode %s: %w", className, err)
	}
	return event, nil
}

// searchKeysOf extracts the two correlation handles from e, defaulting to
// (nil, 0) for events that don't implement Correlated.
func searchKeysOf(e Event) (*int64, int64) {
	if c, ok := e.(Correlated); ok {
		return c.SearchKeys()
	}
	return nil, 0
}

// userTokenOf extracts the correlation token from e, defaulting to the zero
// UUID for events that don't implement Tokened.
func userTokenOf(e Event) uuid.UUID {
	if t, ok := e.(Tokened); ok {
		return t.UserToken()
	}
	return uuid.UUID{}
}
