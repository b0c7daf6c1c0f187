package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// DigestSize is the byte length of a ledger bytes32 value.
const DigestSize = 32

var ErrInvalidDigest = errors.New("digest must be 32 bytes of hex")

// Digest is a bytes32 value. It travels as 0x-prefixed lowercase hex.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex digest with or without the 0x prefix. Empty input
// and anything that is not exactly 32 bytes are rejected.
func ParseDigest(raw string) (Digest, error) {
	var d Digest
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return d, ErrInvalidDigest
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashContent is the primitive used for both the detector's content hash and
// the per-origin aggregate: Keccak-256, matching the ledger's bytes32 hashing.
func HashContent(in []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(in)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// AggregateDigest hashes the concatenation of member digests in the given order.
func AggregateDigest(members []Digest) Digest {
	buf := make([]byte, 0, len(members)*DigestSize)
	for _, m := range members {
		buf = append(buf, m[:]...)
	}
	return HashContent(buf)
}

func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewBatchRef builds a collision-resistant batch reference from the settle
// time and a random suffix.
func NewBatchRef(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("batch_%d_%s", at.UTC().UnixNano(), suffix)
}

// NewPlanID identifies one settlement attempt.
func NewPlanID() string {
	return "plan_" + uuid.NewString()
}
