package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// WireRecord is the JSON representation of a Record as it appears embedded
// in a journal line (see internal/journal). Hash and PrevHash are
// hex-encoded; PrevHash is omitted entirely for the genesis record.
type WireRecord struct {
	Timestamp string `json:"timestamp"`
	PID       int32  `json:"pid"`
	UID       uint32 `json:"uid"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`
}

// ToWire converts r to its JSON wire representation.
func (r Record) ToWire() WireRecord {
	w := WireRecord{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		PID:       r.PID,
		UID:       r.UID,
		Kind:      r.Kind.String(),
		SessionID: r.SessionID,
		Hash:      hex.EncodeToString(r.Hash[:]),
	}
	if r.HasPrevHash {
		w.PrevHash = hex.EncodeToString(r.PrevHash[:])
	}
	return w
}

// FromWire parses a WireRecord back into a Record. It does not verify the
// hash; use VerifyChain for that.
func FromWire(w WireRecord) (Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return Record{}, fmt.Errorf("chain: parse timestamp %q: %w", w.Timestamp, err)
		}
	}

	kind, err := ParseKind(w.Kind)
	if err != nil {
		return Record{}, err
	}

	hash, err := decodeHash(w.Hash)
	if err != nil {
		return Record{}, fmt.Errorf("chain: decode hash: %w", err)
	}

	r := Record{
		Timestamp: ts.UTC(),
		PID:       w.PID,
		UID:       w.UID,
		Kind:      kind,
		SessionID: w.SessionID,
		Hash:      hash,
	}

	if w.PrevHash != "" {
		prev, err := decodeHash(w.PrevHash)
		if err != nil {
			return Record{}, fmt.Errorf("chain: decode prev_hash: %w", err)
		}
		r.PrevHash = prev
		r.HasPrevHash = true
	}

	return r, nil
}

func decodeHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("expected %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON implements json.Marshaler via the wire representation.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToWire())
}

// UnmarshalJSON implements json.Unmarshaler via the wire representation.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w WireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := FromWire(w)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
