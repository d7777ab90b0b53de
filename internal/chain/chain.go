// Package chain implements the tamper-evident, HMAC-chained event record at
// the heart of clauditor's audit trail. Each record's hash commits to its own
// fields and to the previous record's hash, so an in-place edit or an
// internal excision of any record breaks verification from that point
// forward. A companion anchor record additionally commits to the chain's
// length and tail hash, which catches truncation of the chain's tail — a
// tamper that an intact-but-shorter chain alone cannot reveal.
//
// # Canonical encoding
//
// hash = HMAC-SHA256(key, "clauditor:event:v1:" || canonical(fields)) where
// canonical is a fixed-order binary encoding of
// {timestamp, pid, uid, kind, session_id, prev_hash}: fixed-width integers,
// and length-prefixed timestamp and session_id strings. A binary encoding
// is used instead of JSON so that the HMAC input cannot be made ambiguous by
// field reordering, escaping quirks, or float formatting.
//
// # Thread safety
//
// Record values are immutable once constructed; Genesis and Next are pure
// functions of their arguments and share no state, so callers may call them
// concurrently. A single logical chain, however, must be built by a single
// writer (see internal/collector) since each record depends on its
// predecessor.
package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

// Kind enumerates the four record kinds a collector may emit.
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindStop
	KindMessage
	KindError
)

// String returns the lowercase wire name of k, or "unknown" for an
// unrecognized value.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseKind parses the wire name produced by Kind.String back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "start":
		return KindStart, nil
	case "stop":
		return KindStop, nil
	case "message":
		return KindMessage, nil
	case "error":
		return KindError, nil
	default:
		return 0, fmt.Errorf("chain: unknown kind %q", s)
	}
}

// eventDomain is the HMAC domain-separation prefix for event records.
const eventDomain = "clauditor:event:v1:"

// HashSize is the length in bytes of a record hash and of a key-derived MAC.
const HashSize = sha256.Size

// Hash is a 32-byte HMAC-SHA256 digest.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero sentinel value.
func (h Hash) IsZero() bool {
	var zero Hash
	return constantTimeEqual(h, zero)
}

// Record is one immutable element of an HMAC-chained audit trail.
type Record struct {
	Timestamp time.Time
	PID       int32
	UID       uint32
	Kind      Kind
	SessionID string
	// PrevHash is absent (HasPrevHash == false) only for the genesis record.
	PrevHash    Hash
	HasPrevHash bool
	Hash        Hash
}

// Genesis constructs the first record of a new chain. Its PrevHash is
// absent, satisfying the genesis discipline invariant.
func Genesis(key []byte, ts time.Time, pid int32, uid uint32, kind Kind, sessionID string) Record {
	r := Record{
		Timestamp:   ts.UTC(),
		PID:         pid,
		UID:         uid,
		Kind:        kind,
		SessionID:   sessionID,
		HasPrevHash: false,
	}
	r.Hash = computeHash(key, r)
	return r
}

// Next constructs the record that follows prev in the chain: its PrevHash is
// set to prev.Hash.
func Next(key []byte, prev Record, ts time.Time, pid int32, uid uint32, kind Kind, sessionID string) Record {
	r := Record{
		Timestamp:   ts.UTC(),
		PID:         pid,
		UID:         uid,
		Kind:        kind,
		SessionID:   sessionID,
		PrevHash:    prev.Hash,
		HasPrevHash: true,
	}
	r.Hash = computeHash(key, r)
	return r
}

// canonical serializes r's hashed fields (everything but Hash itself) into a
// deterministic byte sequence.
func canonical(r Record) []byte {
	buf := make([]byte, 0, 8+4+4+1+4+len(r.SessionID)+1+HashSize)

	tsBytes := []byte(r.Timestamp.UTC().Format(time.RFC3339Nano))
	var tsLen [4]byte
	binary.BigEndian.PutUint32(tsLen[:], uint32(len(tsBytes)))
	buf = append(buf, tsLen[:]...)
	buf = append(buf, tsBytes...)

	var pidBytes [4]byte
	binary.BigEndian.PutUint32(pidBytes[:], uint32(r.PID))
	buf = append(buf, pidBytes[:]...)

	var uidBytes [4]byte
	binary.BigEndian.PutUint32(uidBytes[:], r.UID)
	buf = append(buf, uidBytes[:]...)

	buf = append(buf, byte(r.Kind))

	var sidLen [4]byte
	binary.BigEndian.PutUint32(sidLen[:], uint32(len(r.SessionID)))
	buf = append(buf, sidLen[:]...)
	buf = append(buf, r.SessionID...)

	if r.HasPrevHash {
		buf = append(buf, 1)
		buf = append(buf, r.PrevHash[:]...)
	} else {
		buf = append(buf, 0)
		buf = append(buf, make([]byte, HashSize)...)
	}

	return buf
}

// computeHash returns the HMAC-SHA256 of the domain-separated canonical
// encoding of r.
func computeHash(key []byte, r Record) Hash {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(eventDomain))
	mac.Write(canonical(r))
	var out Hash
	copy(out[:], mac.Sum(nil))
	return out
}

// constantTimeEqual compares two hashes in constant time with respect to
// their contents, as mandated for all 32-byte equality checks in this
// package.
func constantTimeEqual(a, b Hash) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// VerifyError is the sum-typed error result of VerifyChain.
type VerifyError struct {
	// Kind identifies which invariant failed.
	Kind VerifyErrorKind
	// Index is the offending record's position in the chain.
	Index int
	// ExpectedHash/FoundHash are populated for Gap errors.
	ExpectedHash Hash
	FoundHash    Hash
}

// VerifyErrorKind enumerates the distinct chain-verification failures.
type VerifyErrorKind int

const (
	// HashMismatch: a record's stored Hash does not match its recomputed
	// HMAC — the record's own fields were altered.
	HashMismatch VerifyErrorKind = iota + 1
	// Gap: a record's PrevHash does not equal its predecessor's Hash — a
	// record was inserted, removed, or reordered.
	Gap
	// GenesisPrevHashMustBeNone: the first record in the chain carries a
	// PrevHash.
	GenesisPrevHashMustBeNone
)

func (e *VerifyError) Error() string {
	switch e.Kind {
	case HashMismatch:
		return fmt.Sprintf("chain: hash mismatch at index %d", e.Index)
	case Gap:
		return fmt.Sprintf("chain: gap at index %d: expected prev_hash %x, found %x",
			e.Index, e.ExpectedHash, e.FoundHash)
	case GenesisPrevHashMustBeNone:
		return fmt.Sprintf("chain: genesis record at index %d must not carry a prev_hash", e.Index)
	default:
		return "chain: verification failed"
	}
}

// VerifyChain checks that records forms a valid HMAC chain under key. It
// returns nil on success, or the first *VerifyError encountered.
//
// Verification ordering: for each record, prev_hash linkage is checked
// before the HMAC is recomputed, and the genesis record's prev_hash absence
// is checked before its hash is computed at all. All hash comparisons are
// constant-time.
func VerifyChain(records []Record, key []byte) error {
	var prevHash Hash
	for i, r := range records {
		if i == 0 {
			if r.HasPrevHash {
				return &VerifyError{Kind: GenesisPrevHashMustBeNone, Index: i}
			}
		} else {
			if !r.HasPrevHash || !constantTimeEqual(r.PrevHash, prevHash) {
				return &VerifyError{
					Kind:         Gap,
					Index:        i,
					ExpectedHash: prevHash,
					FoundHash:    r.PrevHash,
				}
			}
		}

		computed := computeHash(key, r)
		if !constantTimeEqual(computed, r.Hash) {
			return &VerifyError{Kind: HashMismatch, Index: i}
		}

		prevHash = r.Hash
	}
	return nil
}
