// Package telegram delivers notifications and clips through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/live"
)

// Sender is the subset of *tgbotapi.BotAPI the messenger needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Messenger implements live.Messenger for Telegram chats. Channel ids are chat ids.
type Messenger struct {
	sender Sender
	logger *zap.Logger
}

var _ live.Messenger = (*Messenger)(nil)

// New authenticates with token and returns a Messenger.
func New(token string, logger *zap.Logger) (*Messenger, error) {
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	m := NewWithSender(bot, logger)
	m.logger.Info("telegram bot authorized", zap.String("bot", bot.Self.UserName))
	return m, nil
}

// NewWithSender wraps an existing sender.
func NewWithSender(sender Sender, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{sender: sender, logger: logger.Named("telegram")}
}

// SendText implements live.Messenger.
func (m *Messenger) SendText(ctx context.Context, channelID, text string) error {
	chat, err := chatID(channelID)
	if err != nil {
		return err
	}
	return m.send(ctx, "text", tgbotapi.NewMessage(chat, text))
}

// SendPhoto implements live.Messenger.
func (m *Messenger) SendPhoto(ctx context.Context, channelID string, image []byte, caption string) error {
	chat, err := chatID(channelID)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chat, tgbotapi.FileBytes{Name: "preview.png", Bytes: image})
	photo.Caption = caption
	return m.send(ctx, "photo", photo)
}

// SendVideo implements live.Messenger.
func (m *Messenger) SendVideo(ctx context.Context, channelID, file, caption string) error {
	chat, err := chatID(channelID)
	if err != nil {
		return err
	}
	video := tgbotapi.NewVideo(chat, tgbotapi.FilePath(file))
	video.Caption = caption
	video.SupportsStreaming = true
	return m.send(ctx, "video", video)
}

func (m *Messenger) send(ctx context.Context, kind string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.sender.Send(c); err != nil {
		return fmt.Errorf("telegram send %s: %w", kind, err)
	}
	return nil
}

func chatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	return id, nil
}
