// Package messenger provides live.Messenger implementations that do not need
// a network platform: a structured-log messenger and an in-memory recorder.
package messenger

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/live"
)

var (
	_ live.Messenger = (*Log)(nil)
	_ live.Messenger = (*Recorder)(nil)
)

// Log writes every message to a logger instead of a platform.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log messenger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("messenger")}
}

// SendText implements live.Messenger.
func (l *Log) SendText(_ context.Context, channelID, text string) error {
	l.logger.Info("text message", zap.String("channel", channelID), zap.String("text", text))
	return nil
}

// SendPhoto implements live.Messenger.
func (l *Log) SendPhoto(_ context.Context, channelID string, image []byte, caption string) error {
	l.logger.Info("photo message", zap.String("channel", channelID), zap.Int("bytes", len(image)), zap.String("caption", caption))
	return nil
}

// SendVideo implements live.Messenger.
func (l *Log) SendVideo(_ context.Context, channelID, file, caption string) error {
	l.logger.Info("video message", zap.String("channel", channelID), zap.String("file", file), zap.String("caption", caption))
	return nil
}

// Message is one recorded send.
type Message struct {
	Kind    string
	Channel string
	Body    string
	Caption string
}

// Recorder keeps every send in memory. Err, when set, fails every send.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

// SendText implements live.Messenger.
func (r *Recorder) SendText(_ context.Context, channelID, text string) error {
	return r.record(Message{Kind: "text", Channel: channelID, Body: text})
}

// SendPhoto implements live.Messenger.
func (r *Recorder) SendPhoto(_ context.Context, channelID string, _ []byte, caption string) error {
	return r.record(Message{Kind: "photo", Channel: channelID, Caption: caption})
}

// SendVideo implements live.Messenger.
func (r *Recorder) SendVideo(_ context.Context, channelID, file, caption string) error {
	return r.record(Message{Kind: "video", Channel: channelID, Body: file, Caption: caption})
}

func (r *Recorder) record(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, m)
	return nil
}

// Messages returns a copy of the recorded sends.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Texts returns the bodies of recorded text messages.
func (r *Recorder) Texts() []string {
	var out []string
	for _, m := range r.Messages() {
		if m.Kind == "text" {
			out = append(out, m.Body)
		}
	}
	return out
}
