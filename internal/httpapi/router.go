// Package httpapi wires the engine's HTTP surface: the webhook
// endpoint, the status API polled by the UI, and metrics.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/auth"
	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/store"
	syncengine "github.com/helmview/mailmirror/internal/sync"
	"github.com/helmview/mailmirror/internal/webhook"
)

// Deps are the collaborators the router exposes.
type Deps struct {
	Store        *store.Store
	Orchestrator *syncengine.Orchestrator
	Webhook      *webhook.Handler
	Verifier     *auth.JWTVerifier
	Registry     *prometheus.Registry
	Logger       *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/webhooks", d.Webhook.HandleChallenge)
	r.POST("/webhooks", d.Webhook.HandleEvent)

	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if d.Verifier != nil {
		api.Use(authMiddleware(d.Verifier))
	}

	api.POST("/accounts", func(c *gin.Context) {
		var req struct {
			Provider      string `json:"provider" binding:"required"`
			GrantID       string `json:"grant_id" binding:"required"`
			CredentialRef string `json:"credential_ref" binding:"required"`
			UserID        string `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := req.UserID
		if u, ok := currentUser(c); ok {
			userID = u.ID
		}

		a := &store.Account{
			ID:                  uuid.NewString(),
			UserID:              userID,
			Provider:            req.Provider,
			GrantID:             req.GrantID,
			CredentialRef:       req.CredentialRef,
			NextScheduledSyncAt: time.Now(),
		}
		if err := d.Store.CreateAccount(c.Request.Context(), a); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, accountView(a))
	})

	api.GET("/accounts/:id/status", func(c *gin.Context) {
		a, err := d.Store.GetAccount(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accountView(a))
	})

	api.POST("/accounts/:id/sync", func(c *gin.Context) {
		jobType := queue.TypeIncremental
		if c.Query("full") == "true" {
			jobType = queue.TypeFull
		}
		err := d.Orchestrator.TriggerSync(c.Request.Context(), c.Param("id"), jobType, queue.PriorityHigh)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrSyncInProgress):
				c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
			case errors.Is(err, store.ErrAccountNotSyncable):
				c.JSON(http.StatusConflict, gin.H{"error": "account is paused or inactive"})
			case errors.Is(err, store.ErrAccountNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	})

	api.POST("/accounts/:id/pause", func(c *gin.Context) {
		if err := d.Orchestrator.Pause(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": true})
	})

	api.POST("/accounts/:id/resume", func(c *gin.Context) {
		if err := d.Orchestrator.Resume(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resumed": true})
	})

	api.POST("/accounts/:id/recalculate", func(c *gin.Context) {
		counts, err := d.Store.RecalculateAccount(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	})

	return r
}

func accountView(a *store.Account) gin.H {
	return gin.H{
		"id":                      a.ID,
		"provider":                a.Provider,
		"sync_status":             a.SyncStatus,
		"sync_progress":           a.SyncProgress,
		"sync_total":              a.SyncTotal,
		"last_sync_at":            unixOrNil(a.LastSyncAt),
		"last_successful_sync_at": unixOrNil(a.LastSuccessfulSyncAt),
		"last_sync_error":         a.LastSyncError,
		"error_count":             a.ErrorCount,
		"consecutive_errors":      a.ConsecutiveErrors,
		"next_scheduled_sync_at":  unixOrNil(a.NextScheduledSyncAt),
	}
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

const userKey = "auth_user"

func authMiddleware(v *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) (*auth.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*auth.User)
	return u, ok
}
