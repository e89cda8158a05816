package live

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Messenger delivers notifications and artifacts to a subscriber channel.
type Messenger interface {
	SendText(ctx context.Context, channelID, text string) error
	SendPhoto(ctx context.Context, channelID string, image []byte, caption string) error
	SendVideo(ctx context.Context, channelID, file, caption string) error
}

// Uploader stores an oversized artifact remotely and returns a shareable link.
type Uploader interface {
	Upload(ctx context.Context, path, mimeType string, metadata map[string]string) (string, error)
}
