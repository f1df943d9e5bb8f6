package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helmview/mailmirror/internal/credentials"
	"github.com/helmview/mailmirror/internal/store"
)

// FetchMode selects a full historical fetch or a delta fetch.
type FetchMode string

const (
	ModeFull        FetchMode = "full"
	ModeIncremental FetchMode = "incremental"
)

// ProviderMessage is one normalized message from an adapter.
type ProviderMessage struct {
	ID             string
	NativeThreadID string
	Folder         string
	Subject        string
	Sender         string
	References     string
	InReplyTo      string
	Unread         bool
	Starred        bool
	Trashed        bool
	HasAttachments bool
	ReceivedAt     time.Time
}

// RateInfo mirrors a provider's rate-limit response headers.
type RateInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FetchRequest asks an adapter for one page of messages.
type FetchRequest struct {
	AccountID string
	Mode      FetchMode
	Cursor    string
	Limit     int
}

// FetchPage is one page of results. An empty NextCursor ends the fetch.
type FetchPage struct {
	Messages       []ProviderMessage
	NextCursor     string
	EstimatedTotal int
	Rate           *RateInfo
}

// Provider fetches raw message deltas for one account. The engine
// depends only on this contract; wire formats live in the adapters.
type Provider interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchPage, error)
}

// ProviderFactory builds an adapter bound to an account's token.
type ProviderFactory func(ctx context.Context, token *credentials.Token, account *store.Account) (Provider, error)

// ErrorKind classifies a sync failure for retry decisions.
type ErrorKind int

const (
	// KindTransient covers timeouts and 5xx responses; retried with
	// backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited is a provider 429; retried like transient.
	KindRateLimited
	// KindAuth is a revoked or expired credential; terminal until
	// re-authorized externally.
	KindAuth
	// KindFatal is a non-retryable provider failure.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	default:
		return "fatal"
	}
}

// ProviderError tags an adapter failure with its kind.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with a kind.
func NewProviderError(kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Err: err}
}

// Classify maps an error to its retry category. Unknown errors count as
// transient so a flaky network never becomes a terminal account state.
func Classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, credentials.ErrUnauthorized) {
		return KindAuth
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}
