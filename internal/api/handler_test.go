package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeListener struct {
	mu      sync.Mutex
	batches []domain.ChangeBatch
	err     error
}

func (l *fakeListener) Handle(_ context.Context, batch domain.ChangeBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, batch)
	return l.err
}

type fakeTriggers struct {
	rows    []domain.AlarmTrigger
	err     error
	gotArgs string
}

func (f *fakeTriggers) ListTriggers(_ context.Context, cid, account int, eventID string) ([]domain.AlarmTrigger, error) {
	f.gotArgs = fmt.Sprintf("%d/%d/%s", cid, account, eventID)
	return f.rows, f.err
}

type fakeActions []domain.Action

func (a fakeActions) Actions() []domain.Action { return a }

type fakeDB struct{ err error }

func (d fakeDB) Ping(context.Context) error { return d.err }

type harness struct {
	listener *fakeListener
	triggers *fakeTriggers
	handler  *Handler
	router   *gin.Engine
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		listener: &fakeListener{},
		triggers: &fakeTriggers{},
		logs:     logs,
	}
	h.handler = NewHandler(h.listener, h.triggers, fakeActions{domain.ActionDisplay, domain.ActionEmail}, zap.New(core))
	h.handler.now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	h.router = h.handler.Router()
	return h
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func validEvent(id string, alarmID int) EventRequest {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return EventRequest{
		ID:    id,
		Start: start,
		End:   start.Add(time.Hour),
		Alarms: []AlarmRequest{
			{ID: alarmID, Action: "email", OffsetSeconds: -900},
		},
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h.handler.WithHealthChecker(fakeDB{})
	rec = h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"healthy"`)

	h.handler.WithHealthChecker(fakeDB{err: errors.New("connection refused")})
	rec = h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestListActions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"actions":["DISPLAY","EMAIL"]}`, rec.Body.String())
}

func TestApplyChanges(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/contexts/1/accounts/2/changes", ChangeBatchRequest{
		Created: []EventRequest{validEvent("42", 7)},
		Deleted: []string{"41"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"applied","changed":1,"deleted":1}`, rec.Body.String())

	require.Len(t, h.listener.batches, 1)
	batch := h.listener.batches[0]
	assert.Equal(t, 1, batch.ContextID)
	assert.Equal(t, 2, batch.AccountID)
	assert.Equal(t, []string{"41"}, batch.Deleted)
	require.Len(t, batch.Created, 1)

	e := batch.Created[0]
	assert.Equal(t, 1, e.ContextID)
	assert.Equal(t, 2, e.AccountID)
	assert.Equal(t, h.handler.now().UTC(), e.LastModified)
	require.Len(t, e.Alarms, 1)
	assert.Equal(t, domain.ActionEmail, e.Alarms[0].Action)
	assert.Equal(t, domain.RelatedStart, e.Alarms[0].Related)
	assert.Equal(t, -15*time.Minute, e.Alarms[0].Offset)
}

func TestApplyChanges_RequestErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad context", "/v1/contexts/x/accounts/2/changes", ChangeBatchRequest{Deleted: []string{"1"}}, http.StatusBadRequest},
		{"bad account", "/v1/contexts/1/accounts/-1/changes", ChangeBatchRequest{Deleted: []string{"1"}}, http.StatusBadRequest},
		{"empty batch", "/v1/contexts/1/accounts/2/changes", ChangeBatchRequest{}, http.StatusBadRequest},
		{"not json", "/v1/contexts/1/accounts/2/changes", "nope", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, h.listener.batches)
		})
	}
}

func TestApplyChanges_ListenerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown account", fmt.Errorf("schedule triggers: %w", domain.ErrAccountNotFound), http.StatusNotFound},
		{"invalid event", errors.Join(errors.New("other"), fmt.Errorf("event 42: %w", domain.ErrInvalidEvent)), http.StatusUnprocessableEntity},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.listener.err = tt.err

			rec := h.do(http.MethodPost, "/v1/contexts/1/accounts/2/changes", ChangeBatchRequest{Deleted: []string{"42"}})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListTriggers(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2024, 1, 15, 9, 45, 0, 0, time.UTC)
	h.triggers.rows = []domain.AlarmTrigger{{
		ContextID: 1, AccountID: 2, EventID: "42", AlarmID: 7, UserID: 3,
		Action: domain.ActionEmail, TriggerTime: at, Processed: 5,
	}}

	rec := h.do(http.MethodGet, "/v1/contexts/1/accounts/2/triggers?event=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1/2/42", h.triggers.gotArgs)

	var resp ListTriggersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Triggers, 1)
	assert.Equal(t, "2024-01-15T09:45:00Z", resp.Triggers[0].TriggerTime)
	assert.Empty(t, resp.Triggers[0].Recurrence)
	assert.Equal(t, int64(5), resp.Triggers[0].Processed)
}

func TestListTriggers_Empty(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/contexts/1/accounts/2/triggers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"triggers":[]}`, rec.Body.String())
	assert.Equal(t, "1/2/", h.triggers.gotArgs)
}

func TestListTriggers_StoreError(t *testing.T) {
	h := newHarness(t)
	h.triggers.err = errors.New("replica down")

	rec := h.do(http.MethodGet, "/v1/contexts/1/accounts/2/triggers", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "replica down")
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t)
	h.handler.WithMetrics("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("easyalarm_up 1\n"))
	}))
	h.router = h.handler.Router()

	rec := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "easyalarm_up")
}

func TestMiddleware_RequestIDAndLogging(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/actions", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))

	entries := h.logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, "/v1/actions", fields["path"])

	rec = h.do(http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID), "an id is assigned when none is sent")
}
