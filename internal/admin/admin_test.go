package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/rollup"
	"github.com/matheus3301/courier/internal/status"
)

type fakeStore struct {
	msgs map[string]chat.Message
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (chat.Message, error) {
	m, ok := f.msgs[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	return m, nil
}

func (f *fakeStore) MessageCount(context.Context) (int64, error) {
	return int64(len(f.msgs)), nil
}

func (f *fakeStore) CountRecordsByState(context.Context) (map[delivery.State]int64, error) {
	return map[delivery.State]int64{delivery.Pending: 2, delivery.Seen: 1}, nil
}

type fixedRollups rollup.Status

func (f fixedRollups) Status(context.Context, string) (rollup.Status, error) {
	return rollup.Status(f), nil
}

func newTestHandler(t *testing.T, ready bool) http.Handler {
	t.Helper()
	m := status.NewMachine(nil)
	if ready {
		_ = m.Transition(status.Recovering)
		_ = m.Transition(status.Ready)
	}
	store := &fakeStore{msgs: map[string]chat.Message{
		"m1": {ID: "m1", ConversationID: "c1", SenderID: "A"},
	}}
	return NewHandler(m, store, fixedRollups(rollup.Delivered), nil)
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name  string
		ready bool
		code  int
		state string
	}{
		{"booting", false, http.StatusServiceUnavailable, "BOOTING"},
		{"ready", true, http.StatusOK, "READY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := get(t, newTestHandler(t, tt.ready), "/healthz")
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			if body["state"] != tt.state {
				t.Errorf("state = %v, want %s", body["state"], tt.state)
			}
		})
	}
}

func TestMessageStatus(t *testing.T) {
	h := newTestHandler(t, true)

	rec, body := get(t, h, "/v1/messages/m1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if body["status"] != "delivered" || body["sender_id"] != "A" {
		t.Errorf("body = %v", body)
	}

	rec, _ = get(t, h, "/v1/messages/nope/status")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown message code = %d, want 404", rec.Code)
	}
}

func TestStats(t *testing.T) {
	rec, body := get(t, newTestHandler(t, true), "/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if body["messages"] != float64(1) {
		t.Errorf("messages = %v, want 1", body["messages"])
	}
	records, _ := body["records"].(map[string]any)
	if records["pending"] != float64(2) {
		t.Errorf("records = %v", records)
	}
}

func TestMetricsExposesCourierCollectors(t *testing.T) {
	metrics.MessagesAppended.Inc()
	rec, _ := get(t, newTestHandler(t, true), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "courier_messages_appended_total") {
		t.Error("metrics output lacks courier_messages_appended_total")
	}
}

func TestNewServerDisabledWithoutAddr(t *testing.T) {
	s, err := NewServer("", nil, nil)
	if err != nil || s != nil {
		t.Errorf("NewServer(\"\") = %v, %v; want nil, nil", s, err)
	}
}
