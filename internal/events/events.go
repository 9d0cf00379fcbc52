// Package events defines the coordinator's domain events and their wire envelope.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/soltixdb/searchcoord/internal/errs"
)

// Name identifies an event type. It is also the last segment of the bus subject.
type Name string

const (
	DefaultBranchChanged             Name = "DefaultBranchChanged"
	GroupArchived                    Name = "GroupArchived"
	ProjectVisibilityChanged         Name = "ProjectVisibilityChanged"
	ProjectMarkedAsArchived          Name = "ProjectMarkedAsArchived"
	IndexMarkedAsReady               Name = "IndexMarkedAsReady"
	IndexMarkedAsToDelete            Name = "IndexMarkedAsToDelete"
	OrphanedIndex                    Name = "OrphanedIndex"
	OrphanedRepo                     Name = "OrphanedRepo"
	TaskFailed                       Name = "TaskFailed"
	IndexOverWatermark               Name = "IndexOverWatermark"
	IndexToEvict                     Name = "IndexToEvict"
	NodeWithNegativeUnclaimedStorage Name = "NodeWithNegativeUnclaimedStorage"
	UpdateIndexUsedStorageBytes      Name = "UpdateIndexUsedStorageBytes"
	ProjectCreated                   Name = "ProjectCreated"
	ProjectDeleted                   Name = "ProjectDeleted"
	ProjectTransferred               Name = "ProjectTransferred"
	NamespaceEnabled                 Name = "NamespaceEnabled"
	NamespaceDisabled                Name = "NamespaceDisabled"
	RolloutRequested                 Name = "RolloutRequested"
)

// All lists every event the coordinator consumes
var All = []Name{
	DefaultBranchChanged,
	GroupArchived,
	ProjectVisibilityChanged,
	ProjectMarkedAsArchived,
	IndexMarkedAsReady,
	IndexMarkedAsToDelete,
	OrphanedIndex,
	OrphanedRepo,
	TaskFailed,
	IndexOverWatermark,
	IndexToEvict,
	NodeWithNegativeUnclaimedStorage,
	UpdateIndexUsedStorageBytes,
	ProjectCreated,
	ProjectDeleted,
	ProjectTransferred,
	NamespaceEnabled,
	NamespaceDisabled,
	RolloutRequested,
}

// Envelope is what travels on the bus
type Envelope struct {
	ID         string          `json:"id"`
	Name       Name            `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id
func New(name Name, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v. A payload that does not fit is permanent.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.Permanent(fmt.Errorf("decode %s payload: %w", e.Name, err))
	}
	return nil
}

// compressThreshold is the encoded size above which envelopes are snappy-compressed.
// Large id batches (eviction, deletion) cross it; trigger events never do.
const compressThreshold = 4 << 10

// snappyMarker prefixes compressed envelopes; JSON never starts with a zero byte
const snappyMarker byte = 0x00

// Marshal encodes the envelope for the bus
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) < compressThreshold {
		return data, nil
	}
	compressed := snappy.Encode(nil, data)
	return append([]byte{snappyMarker}, compressed...), nil
}

// Unmarshal decodes bytes produced by Marshal. Garbage is a permanent error.
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) > 0 && data[0] == snappyMarker {
		decoded, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return Envelope{}, errs.Permanent(fmt.Errorf("decompress envelope: %w", err))
		}
		data = decoded
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errs.Permanent(fmt.Errorf("unmarshal envelope: %w", err))
	}
	if e.Name == "" {
		return Envelope{}, errs.Permanent(fmt.Errorf("envelope without event name"))
	}
	return e, nil
}
