package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/sink"
)

func testRecord() record.Record {
	return record.New("https://example.com", record.KindQRCode, time.Now(), map[string]string{
		record.FieldContentType: "url",
	})
}

func TestDeliverPostsRecordJSON(t *testing.T) {
	var got record.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(srv.URL, WithHeader("X-Api-Key", "k"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := testRecord()
	if err := s.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.ID != rec.ID || got.Payload != rec.Payload {
		t.Fatalf("server saw %+v, want %+v", got, rec)
	}
}

func TestDeliverClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		sentinel  error
	}{
		{http.StatusInternalServerError, true, sink.ErrNetwork},
		{http.StatusBadGateway, true, sink.ErrNetwork},
		{http.StatusTooManyRequests, true, sink.ErrRateLimited},
		{http.StatusUnauthorized, false, sink.ErrAuthentication},
		{http.StatusForbidden, false, sink.ErrAuthentication},
		{http.StatusBadRequest, false, sink.ErrRejected},
		{http.StatusUnprocessableEntity, false, sink.ErrRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		s, err := New(srv.URL)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		err = s.Deliver(context.Background(), testRecord())
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if sink.IsTransient(err) != tc.transient {
			t.Fatalf("status %d: transient = %v, want %v", tc.status, sink.IsTransient(err), tc.transient)
		}
		if !errors.Is(err, tc.sentinel) {
			t.Fatalf("status %d: error %v does not wrap %v", tc.status, err, tc.sentinel)
		}
	}
}

func TestDeliverTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	s, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Deliver(context.Background(), testRecord())
	if err == nil || !sink.IsTransient(err) || !errors.Is(err, sink.ErrNetwork) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestNewRejectsNonHTTPEndpoint(t *testing.T) {
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatalf("expected error for non-http endpoint")
	}
}
