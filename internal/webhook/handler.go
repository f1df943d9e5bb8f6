// Package webhook turns provider push notifications into prioritized
// sync jobs. Post-verification failures are acknowledged with 200 so
// providers never build up retry storms against us.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/metrics"
	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Event is the normalized push notification body.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the provider-assigned identifiers inside an event.
type EventData struct {
	GrantID   string `json:"grant_id"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Handler ingests webhook traffic.
type Handler struct {
	store      *store.Store
	queue      *queue.Queue
	secret     string
	maxRetries int
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewHandler creates a webhook handler. An empty secret disables
// signature verification; only do that in local development.
func NewHandler(st *store.Store, q *queue.Queue, secret string, maxRetries int, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		store:      st,
		queue:      q,
		secret:     secret,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger.Named("webhook"),
	}
}

// HandleChallenge answers the provider's endpoint-ownership handshake:
// the challenge token is echoed back unchanged.
func (h *Handler) HandleChallenge(c *gin.Context) {
	challenge := c.Query("challenge")
	if challenge == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing challenge"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge})
}

// HandleEvent verifies, parses and routes one push notification.
func (h *Handler) HandleEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "unreadable body"})
		return
	}

	if err := h.verifySignature(body, c.GetHeader(SignatureHeader)); err != nil {
		// A bad signature is an unauthenticated caller, not a provider
		// hiccup; this is the one failure that is not acknowledged.
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("malformed webhook payload", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "malformed payload"})
		return
	}
	if event.Type == "" || event.Data.GrantID == "" {
		h.logger.Warn("webhook event missing type or grant", zap.String("type", event.Type))
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "missing type or grant_id"})
		return
	}

	h.metrics.WebhookEvent(event.Type)

	account, err := h.store.ResolveGrant(c.Request.Context(), event.Data.GrantID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.logger.Warn("webhook for unknown grant", zap.String("grant", event.Data.GrantID))
			c.JSON(http.StatusOK, gin.H{"received": true, "error": "unknown grant"})
			return
		}
		h.logger.Error("grant resolution failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "grant resolution failed"})
		return
	}

	if err := h.route(c, event, account); err != nil {
		h.logger.Error("webhook routing failed", zap.String("type", event.Type), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "routing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) route(c *gin.Context, event Event, account *store.Account) error {
	ctx := c.Request.Context()

	switch event.Type {
	case "message.created", "thread.updated":
		h.enqueue(ctx, account.ID, queue.TypeIncremental, queue.PriorityImmediate)

	case "message.updated", "message.deleted":
		h.enqueue(ctx, account.ID, queue.TypeIncremental, queue.PriorityHigh)

	case "account.connected":
		if err := h.store.Reactivate(ctx, account.ID); err != nil {
			return err
		}
		h.enqueue(ctx, account.ID, queue.TypeFull, queue.PriorityHigh)

	case "account.disconnected", "grant.expired":
		// Bypasses the queue entirely: there is nothing left to sync.
		reason := "auth: " + event.Type
		if event.Data.Reason != "" {
			reason += ": " + event.Data.Reason
		}
		return h.store.Deactivate(ctx, account.ID, reason)

	default:
		h.logger.Info("ignoring webhook event", zap.String("type", event.Type))
	}
	return nil
}

func (h *Handler) enqueue(ctx context.Context, accountID string, jobType queue.JobType, priority int) {
	h.queue.Enqueue(accountID, queue.Spec{
		Type:       jobType,
		Priority:   priority,
		MaxRetries: h.maxRetries,
		Metadata:   map[string]string{"trigger": "webhook"},
	})
	if err := h.store.MarkQueued(ctx, accountID); err != nil {
		h.logger.Warn("failed to mark account queued", zap.String("account", accountID), zap.Error(err))
	}
}

func (h *Handler) verifySignature(body []byte, signature string) error {
	if h.secret == "" {
		return nil
	}
	if signature == "" {
		return errors.New("missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}
