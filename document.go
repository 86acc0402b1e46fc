package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

// Validate checks that both parts of the reference are set.
func (r Ref) Validate() error {
	if r.Collection == "" || r.ID == "" {
		return fmt.Errorf("%w: %q/%q", ErrInvalidRef, r.Collection, r.ID)
	}

	return nil
}

// String returns collection/id.
func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Delivery is the machine-owned sub-structure of a process document.
type Delivery struct {
	State     State     `json:"state"`
	StartTime time.Time `json:"startTime"`
	// EndTime is reserved; no transition assigns it.
	EndTime         *time.Time `json:"endTime"`
	LeaseExpireTime *time.Time `json:"leaseExpireTime"`
	// Attempts is reserved; no transition increments it.
	Attempts int             `json:"attempts"`
	Error    *string         `json:"error"`
	Result   json.RawMessage `json:"result"`
}

// NewDelivery returns the initial delivery written when a document is created.
func NewDelivery(now time.Time) *Delivery {
	return &Delivery{
		State:     StatePending,
		StartTime: now.UTC(),
	}
}

// Clone returns a deep copy of d.
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	out := *d
	if d.EndTime != nil {
		t := *d.EndTime
		out.EndTime = &t
	}
	if d.LeaseExpireTime != nil {
		t := *d.LeaseExpireTime
		out.LeaseExpireTime = &t
	}
	if d.Error != nil {
		msg := *d.Error
		out.Error = &msg
	}
	out.Result = cloneRaw(d.Result)

	return &out
}

// Document is a process record: a caller-owned payload plus the machine-owned delivery.
type Document struct {
	Ref      Ref             `json:"-"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Delivery *Delivery       `json:"delivery,omitempty"`
}

// Clone returns a deep copy of doc.
func (doc Document) Clone() Document {
	return Document{
		Ref:      doc.Ref,
		Payload:  cloneRaw(doc.Payload),
		Delivery: doc.Delivery.Clone(),
	}
}

// State returns the delivery state, or zero when the document carries no delivery.
func (doc Document) State() State {
	if doc.Delivery == nil {
		return 0
	}

	return doc.Delivery.State
}

// MarshalDocument encodes the persisted body of doc.
func MarshalDocument(doc Document) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", doc.Ref, err)
	}

	return body, nil
}

// UnmarshalDocument decodes a persisted body into a document addressed by ref.
func UnmarshalDocument(ref Ref, body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", ref, err)
	}
	doc.Ref = ref
	if doc.Delivery != nil && isNull(doc.Delivery.Result) {
		doc.Delivery.Result = nil
	}

	return doc, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}

	return append(json.RawMessage(nil), raw...)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
