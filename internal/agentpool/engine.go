package agentpool

import (
	"context"
	"time"

	"github.com/JakeFAU/goalclip/internal/live"
)

// SessionOptions tunes how a session is constructed.
type SessionOptions struct {
	// Minimal requests the smallest launch configuration the engine supports.
	Minimal bool
}

// Page is a loaded page handle owned by the session that produced it.
type Page interface {
	Close() error
}

// Session is one heavyweight automation session.
type Session interface {
	ID() string
	Load(ctx context.Context, address string, timeout time.Duration) (Page, error)
	Extract(ctx context.Context, page Page) (live.PageData, error)
	Close() error
	// Done is closed when the session disconnects on its own. A nil channel never fires.
	Done() <-chan struct{}
}

// Engine constructs sessions.
type Engine interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}
