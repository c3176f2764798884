package models

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the PrevHash of a tenant's first event.
const GenesisHash = ""

// chainRecord fixes the field order hashed into the chain.
type chainRecord struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	Sequence      int64   `json:"sequence"`
	Timestamp     string  `json:"timestamp"`
	Resource      string  `json:"resource"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	Action        string  `json:"action"`
	Details       Details `json:"details"`
	UserID        string  `json:"user_id"`
	CorrelationID string  `json:"correlation_id"`
	Origin        *Origin `json:"origin,omitempty"`
}

// ChainHash computes BLAKE2b-256(prevHash || canonical(e)) as hex.
// Details maps serialise with sorted keys and json.Number keeps the number
// text, so stores must persist details byte for byte.
func ChainHash(prevHash string, e *Event) (string, error) {
	rec := chainRecord{
		ID:            e.ID.String(),
		TenantID:      string(e.TenantID),
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Resource:      e.Resource,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        string(e.Action),
		Details:       e.Details,
		UserID:        string(e.UserID),
		CorrelationID: e.CorrelationID,
		Origin:        e.Origin,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal assigns PrevHash and Hash to e.
func Seal(prevHash string, e *Event) error {
	hash, err := ChainHash(prevHash, e)
	if err != nil {
		return err
	}
	e.PrevHash = prevHash
	e.Hash = hash
	return nil
}

// ChainBreak describes an event whose hash or link does not verify.
type ChainBreak struct {
	EventID  string `json:"event_id"`
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

// VerifyChain checks each event's own hash and, where two events have
// consecutive sequence numbers, the link between them. Gaps (filtered or
// purged events) are not breaks. Events must be in ascending sequence order.
func VerifyChain(events []Event) []ChainBreak {
	var breaks []ChainBreak
	for i := range events {
		e := &events[i]
		want, err := ChainHash(e.PrevHash, e)
		if err != nil || want != e.Hash {
			breaks = append(breaks, ChainBreak{EventID: e.ID.String(), Sequence: e.Sequence, Reason: "hash mismatch"})
			continue
		}
		if i == 0 {
			continue
		}
		prev := &events[i-1]
		if e.TenantID == prev.TenantID && e.Sequence == prev.Sequence+1 && e.PrevHash != prev.Hash {
			breaks = append(breaks, ChainBreak{EventID: e.ID.String(), Sequence: e.Sequence, Reason: "broken link to previous event"})
		}
	}
	return breaks
}
