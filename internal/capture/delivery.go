package capture

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
)

// Delivery paths.
const (
	PathDirect   = "direct"
	PathLink     = "link"
	PathFallback = "direct_fallback"
)

// Artifact is a finished recording ready for delivery.
type Artifact struct {
	Channel  string
	Path     string
	Size     int64
	Caption  string
	Metadata map[string]string
}

// Delivery records which path delivered an artifact.
type Delivery struct {
	Path string
	Link string
}

// Deliverer routes an artifact to its subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, a Artifact) (Delivery, error)
}

// Router sends small artifacts directly and uploads large ones, falling back
// to direct delivery when the upload fails.
type Router struct {
	messenger live.Messenger
	uploader  live.Uploader
	limit     int64
	logger    *zap.Logger
}

// NewRouter builds a Router. uploader may be nil.
func NewRouter(messenger live.Messenger, uploader live.Uploader, limit int64, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{messenger: messenger, uploader: uploader, limit: limit, logger: logger.Named("delivery")}
}

// Deliver implements Deliverer.
func (r *Router) Deliver(ctx context.Context, a Artifact) (Delivery, error) {
	if r.limit <= 0 || a.Size <= r.limit {
		err := r.messenger.SendVideo(ctx, a.Channel, a.Path, a.Caption)
		metrics.ObserveDelivery(PathDirect, err)
		if err != nil {
			return Delivery{Path: PathDirect}, fmt.Errorf("send video: %w", err)
		}
		return Delivery{Path: PathDirect}, nil
	}

	if r.uploader != nil {
		link, err := r.uploader.Upload(ctx, a.Path, "video/mp4", a.Metadata)
		if err == nil {
			err = r.messenger.SendText(ctx, a.Channel, fmt.Sprintf("%s\n%s", a.Caption, link))
			metrics.ObserveDelivery(PathLink, err)
			if err != nil {
				return Delivery{Path: PathLink, Link: link}, fmt.Errorf("send link: %w", err)
			}
			return Delivery{Path: PathLink, Link: link}, nil
		}
		metrics.ObserveDelivery(PathLink, err)
		r.logger.Warn("upload failed, trying direct delivery", zap.String("channel", a.Channel), zap.Int64("size", a.Size), zap.Error(err))
	}

	err := r.messenger.SendVideo(ctx, a.Channel, a.Path, a.Caption)
	metrics.ObserveDelivery(PathFallback, err)
	if err != nil {
		return Delivery{Path: PathFallback}, fmt.Errorf("send video: %w", err)
	}
	return Delivery{Path: PathFallback}, nil
}
