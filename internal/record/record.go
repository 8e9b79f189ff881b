package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record is one accepted scan event. It is immutable once created: the
// history store owns it after append and nothing mutates it afterwards.
type Record struct {
	ID         string            `json:"id"`
	Payload    string            `json:"payload"`
	Kind       Kind              `json:"barcode_kind"`
	CapturedAt time.Time         `json:"captured_at"`
	Derived    map[string]string `json:"derived_fields,omitempty"`
}

// New builds a record with a fresh id. CapturedAt is stored in UTC.
func New(payload string, kind Kind, capturedAt time.Time, derived map[string]string) Record {
	return Record{
		ID:         uuid.NewString(),
		Payload:    payload,
		Kind:       kind,
		CapturedAt: capturedAt.UTC(),
		Derived:    derived,
	}
}

// Key derives the record's dedup key for the given window.
func (r Record) Key(window time.Duration) string {
	return DedupKey(r.Payload, r.Kind, r.CapturedAt, window)
}

// DedupKey derives a deterministic identity for a scan from its payload,
// symbology, and capture time truncated to the dedup window. Two scans with
// the same payload and kind inside one window bucket are the same physical
// scan.
func DedupKey(payload string, kind Kind, capturedAt time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Second
	}
	bucket := capturedAt.UTC().Truncate(window).Unix()
	h := sha256.New()
	h.Write([]byte(payload))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s (%s)", r.ID, r.Kind, r.CapturedAt.Format(time.RFC3339))
}
