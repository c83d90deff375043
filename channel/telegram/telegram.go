// Package telegram delivers notifications over the Telegram bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
)

// Sentinel errors for telegram delivery
var (
	ErrNoChatID   = errors.New("subscriber has no telegram chat")
	ErrSendFailed = errors.New("telegram delivery failed")
	ErrBotCreate  = errors.New("failed to create telegram bot")
)

// Bot is the part of the telebot API the sender uses.
type Bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender implements notifier.Channel over a Telegram bot
type Sender struct {
	bot Bot
}

// NewSender creates a Telegram channel from a bot token
func NewSender(token string) (*Sender, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBotCreate, err)
	}
	return NewSenderWithBot(bot), nil
}

// NewSenderWithBot creates a Telegram channel with a custom bot,
// useful for testing
func NewSenderWithBot(bot Bot) *Sender {
	return &Sender{bot: bot}
}

// Kind reports the channel identity used for gating and bookkeeping.
func (s *Sender) Kind() notifier.ChannelKind {
	return notifier.ChannelTelegram
}

// Send composes and delivers one notification to the subscriber's chat.
func (s *Sender) Send(ctx context.Context, n notifier.Notification) error {
	if n.Subscriber.TelegramChatID == nil {
		return fmt.Errorf("subscriber %d: %w", n.Subscriber.ID, ErrNoChatID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := ComposeText(n)
	_, err := s.bot.Send(tele.ChatID(*n.Subscriber.TelegramChatID), text, tele.ModeMarkdown)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}
