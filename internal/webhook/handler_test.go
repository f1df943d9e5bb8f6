package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/store"
)

const testSecret = "test-webhook-secret"

func newTestHandler(t *testing.T, secret string) (*gin.Engine, *store.Store, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New()
	h := NewHandler(st, q, secret, 3, nil, zap.NewNop())

	r := gin.New()
	r.GET("/webhooks", h.HandleChallenge)
	r.POST("/webhooks", h.HandleEvent)
	return r, st, q
}

func seedAccount(t *testing.T, st *store.Store, id, grantID string, status store.SyncStatus) {
	t.Helper()
	err := st.CreateAccount(context.Background(), &store.Account{
		ID:            id,
		UserID:        "u1",
		Provider:      "gmail",
		GrantID:       grantID,
		CredentialRef: "cred-" + id,
		SyncStatus:    status,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postEvent(t *testing.T, r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func eventBody(t *testing.T, eventType, grantID string) []byte {
	t.Helper()
	body, err := json.Marshal(Event{Type: eventType, Data: EventData{GrantID: grantID}})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestChallengeEchoed(t *testing.T) {
	r, _, _ := newTestHandler(t, testSecret)

	req := httptest.NewRequest("GET", "/webhooks?challenge=abc123", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["challenge"] != "abc123" {
		t.Errorf("challenge = %q, want abc123", resp["challenge"])
	}
}

func TestChallengeMissing(t *testing.T) {
	r, _, _ := newTestHandler(t, testSecret)

	req := httptest.NewRequest("GET", "/webhooks", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	r, _, q := newTestHandler(t, testSecret)

	body := eventBody(t, "message.created", "g1")
	w := postEvent(t, r, body, sign("wrong-secret", body))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d jobs, want 0", q.Len())
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	r, _, _ := newTestHandler(t, testSecret)

	body := eventBody(t, "message.created", "g1")
	w := postEvent(t, r, body, "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMessageCreatedEnqueuesImmediate(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusIdle)

	body := eventBody(t, "message.created", "g1")
	w := postEvent(t, r, body, sign(testSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	job, ok := q.DequeueNext()
	if !ok {
		t.Fatal("expected a queued job")
	}
	if job.AccountID != "a1" {
		t.Errorf("account = %s, want a1", job.AccountID)
	}
	if job.Type != queue.TypeIncremental {
		t.Errorf("type = %s, want incremental", job.Type)
	}
	if job.Priority != queue.PriorityImmediate {
		t.Errorf("priority = %d, want %d", job.Priority, queue.PriorityImmediate)
	}

	a, err := st.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if a.SyncStatus != store.StatusQueued {
		t.Errorf("status = %s, want queued", a.SyncStatus)
	}
}

func TestMessageUpdatedEnqueuesHigh(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusIdle)

	body := eventBody(t, "message.updated", "g1")
	postEvent(t, r, body, sign(testSecret, body))

	job, ok := q.DequeueNext()
	if !ok {
		t.Fatal("expected a queued job")
	}
	if job.Priority != queue.PriorityHigh {
		t.Errorf("priority = %d, want %d", job.Priority, queue.PriorityHigh)
	}
}

func TestDuplicateEventsCollapse(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusIdle)

	first := eventBody(t, "message.updated", "g1")
	second := eventBody(t, "message.created", "g1")
	postEvent(t, r, first, sign(testSecret, first))
	postEvent(t, r, second, sign(testSecret, second))

	if q.Len() != 1 {
		t.Fatalf("queue has %d jobs, want 1 after dedup", q.Len())
	}
	job, _ := q.DequeueNext()
	if job.Priority != queue.PriorityImmediate {
		t.Errorf("priority = %d, want upgrade to %d", job.Priority, queue.PriorityImmediate)
	}
}

func TestMalformedPayloadAcknowledged(t *testing.T) {
	r, _, q := newTestHandler(t, testSecret)

	body := []byte(`{not json`)
	w := postEvent(t, r, body, sign(testSecret, body))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d jobs, want 0", q.Len())
	}
}

func TestUnknownGrantAcknowledged(t *testing.T) {
	r, _, q := newTestHandler(t, testSecret)

	body := eventBody(t, "message.created", "no-such-grant")
	w := postEvent(t, r, body, sign(testSecret, body))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d jobs, want 0", q.Len())
	}
}

func TestAccountConnectedTriggersFullSync(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusInactive)

	body := eventBody(t, "account.connected", "g1")
	postEvent(t, r, body, sign(testSecret, body))

	job, ok := q.DequeueNext()
	if !ok {
		t.Fatal("expected a queued job")
	}
	if job.Type != queue.TypeFull {
		t.Errorf("type = %s, want full", job.Type)
	}

	a, err := st.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if a.SyncStatus != store.StatusQueued {
		t.Errorf("status = %s, want queued after reconnect", a.SyncStatus)
	}
}

func TestAccountDisconnectedDeactivates(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusIdle)

	body := eventBody(t, "account.disconnected", "g1")
	w := postEvent(t, r, body, sign(testSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d jobs, want 0", q.Len())
	}

	a, err := st.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if a.SyncStatus != store.StatusInactive {
		t.Errorf("status = %s, want inactive", a.SyncStatus)
	}
}

func TestUnhandledEventTypeIgnored(t *testing.T) {
	r, st, q := newTestHandler(t, testSecret)
	seedAccount(t, st, "a1", "g1", store.StatusIdle)

	body := eventBody(t, "calendar.updated", "g1")
	w := postEvent(t, r, body, sign(testSecret, body))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d jobs, want 0", q.Len())
	}
}
