package history

import (
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/loykin/scanflow/internal/record"
)

// Records returns a copy of the current file's records in append order.
func (s *Store) Records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records...)
}

// Len reports the number of records in the current file.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		if n > 0 && len(out) >= n {
			break
		}
		out = append(out, s.records[i])
	}
	return out
}

// Search returns records whose payload or derived field values contain the
// query, case-insensitively. An empty query matches nothing.
func (s *Store) Search(query string) []record.Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Record
	for _, r := range s.records {
		if strings.Contains(strings.ToLower(r.Payload), q) {
			out = append(out, r)
			continue
		}
		for _, v := range r.Derived {
			if strings.Contains(strings.ToLower(v), q) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Stats summarizes the current file.
type Stats struct {
	Total         int            `json:"total"`
	Today         int            `json:"today"`
	ByKind        map[string]int `json:"by_kind"`
	ByContentType map[string]int `json:"by_content_type"`
}

// Stats aggregates counts across the current file. "Today" is computed in
// UTC to match captured_at.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ByKind:        make(map[string]int),
		ByContentType: make(map[string]int),
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, r := range s.records {
		st.Total++
		if !r.CapturedAt.UTC().Before(today) {
			st.Today++
		}
		st.ByKind[string(r.Kind)]++
		if ct, ok := r.Derived[record.FieldContentType]; ok {
			st.ByContentType[ct]++
		}
	}
	return st
}

// ExportCSV writes the current file as CSV with a header row.
func (s *Store) ExportCSV(w io.Writer) error {
	recs := s.Records()
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "captured_at", "barcode_kind", "payload", "content_type", "first_name", "last_name"}); err != nil {
		return err
	}
	for _, r := range recs {
		row := []string{
			r.ID,
			r.CapturedAt.UTC().Format(time.RFC3339Nano),
			string(r.Kind),
			r.Payload,
			r.Derived[record.FieldContentType],
			r.Derived[record.FieldFirstName],
			r.Derived[record.FieldLastName],
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
