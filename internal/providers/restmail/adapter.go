// Package restmail adapts a generic REST mail API to the sync engine's
// provider contract. Providers exposing a paged JSON message listing
// with cursor deltas plug in through a base URL.
package restmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/helmview/mailmirror/internal/credentials"
	"github.com/helmview/mailmirror/internal/store"
	syncengine "github.com/helmview/mailmirror/internal/sync"
)

// Adapter implements the provider contract over HTTP.
type Adapter struct {
	baseURL string
	grantID string
	client  *http.Client
}

// New creates an adapter bound to one account's token. The oauth2
// transport refreshes nothing itself; token lifecycle belongs to the
// credential service.
func New(ctx context.Context, baseURL string, token *credentials.Token, account *store.Account) (*Adapter, error) {
	src := oauth2.StaticTokenSource(token.OAuth2())
	client := oauth2.NewClient(ctx, src)
	client.Timeout = 30 * time.Second

	return &Adapter{
		baseURL: baseURL,
		grantID: account.GrantID,
		client:  client,
	}, nil
}

type wireMessage struct {
	ID             string   `json:"id"`
	ThreadID       string   `json:"thread_id"`
	Folder         string   `json:"folder"`
	Subject        string   `json:"subject"`
	From           string   `json:"from"`
	References     string   `json:"references"`
	InReplyTo      string   `json:"in_reply_to"`
	Unread         bool     `json:"unread"`
	Starred        bool     `json:"starred"`
	Trashed        bool     `json:"trashed"`
	AttachmentIDs  []string `json:"attachment_ids"`
	ReceivedAtUnix int64    `json:"received_at"`
}

type wirePage struct {
	Messages   []wireMessage `json:"messages"`
	NextCursor string        `json:"next_cursor"`
	Total      int           `json:"total"`
}

// Fetch requests one page of messages, full history or delta depending
// on the request mode.
func (a *Adapter) Fetch(ctx context.Context, req syncengine.FetchRequest) (*syncengine.FetchPage, error) {
	q := url.Values{}
	q.Set("grant_id", a.grantID)
	q.Set("limit", strconv.Itoa(req.Limit))
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}

	path := "/v1/messages"
	if req.Mode == syncengine.ModeIncremental {
		path = "/v1/messages/delta"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, syncengine.NewProviderError(syncengine.KindFatal, fmt.Errorf("create request: %w", err))
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, syncengine.NewProviderError(syncengine.KindTransient, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, syncengine.NewProviderError(syncengine.KindAuth, fmt.Errorf("provider rejected token: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, syncengine.NewProviderError(syncengine.KindRateLimited, fmt.Errorf("provider rate limited"))
	case resp.StatusCode >= 500:
		return nil, syncengine.NewProviderError(syncengine.KindTransient, fmt.Errorf("provider error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, syncengine.NewProviderError(syncengine.KindFatal, fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	var page wirePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, syncengine.NewProviderError(syncengine.KindTransient, fmt.Errorf("decode page: %w", err))
	}

	out := &syncengine.FetchPage{
		NextCursor:     page.NextCursor,
		EstimatedTotal: page.Total,
		Rate:           parseRateHeaders(resp.Header),
		Messages:       make([]syncengine.ProviderMessage, 0, len(page.Messages)),
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, syncengine.ProviderMessage{
			ID:             m.ID,
			NativeThreadID: m.ThreadID,
			Folder:         m.Folder,
			Subject:        m.Subject,
			Sender:         m.From,
			References:     m.References,
			InReplyTo:      m.InReplyTo,
			Unread:         m.Unread,
			Starred:        m.Starred,
			Trashed:        m.Trashed,
			HasAttachments: len(m.AttachmentIDs) > 0,
			ReceivedAt:     time.Unix(m.ReceivedAtUnix, 0),
		})
	}
	return out, nil
}

// parseRateHeaders picks up the provider's authoritative rate-limit
// state when present.
func parseRateHeaders(h http.Header) *syncengine.RateInfo {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		return nil
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return nil
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return nil
	}
	return &syncengine.RateInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(reset, 0),
	}
}
