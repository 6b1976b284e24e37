package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"switchboard/internal/connector"
	"switchboard/pkg/middleware"
)

func TestNewRow(t *testing.T) {
	var ctx context.Context
	h := middleware.RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { ctx = r.Context() }))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Request-Id", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := NewRow(ctx, connector.Event{
		Connector:  "people",
		Method:     "POST",
		URI:        "http://crm/people",
		StatusCode: 500,
		Outcome:    "remote_call_failed",
		StartedAt:  started,
		Duration:   1500 * time.Millisecond,
		Err:        errors.New("boom"),
	})
	if row.RequestID == nil || *row.RequestID != "req-1" {
		t.Errorf("request id = %v", row.RequestID)
	}
	if row.StatusCode == nil || *row.StatusCode != 500 || row.DurationMS != 1500 {
		t.Errorf("unexpected row %+v", row)
	}
	if row.Error == nil || *row.Error != "boom" || !row.StartedAt.Equal(started) {
		t.Errorf("unexpected row %+v", row)
	}
}

func TestNewRowNulls(t *testing.T) {
	row := NewRow(context.Background(), connector.Event{Connector: "people", Outcome: "invalid_input"})
	if row.Method != nil || row.URI != nil || row.StatusCode != nil || row.Error != nil || row.RequestID != nil {
		t.Errorf("expected NULL columns, got %+v", row)
	}
}

func TestRecordWithoutPool(t *testing.T) {
	var r *PostgresRecorder
	r.Record(context.Background(), connector.Event{})
	NewPostgresRecorder(nil, nil).Record(context.Background(), connector.Event{})
}
