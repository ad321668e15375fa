package notifier

import (
	"context"
	"fmt"
	"time"

	tb "gopkg.in/telebot.v4"
)

// TelegramSink sends notifications to one chat. Send-only: no handlers, no
// polling, the bot never consumes updates.
type TelegramSink struct {
	bot  *tb.Bot
	chat tb.ChatID
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tb.NewBot(tb.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("notifier: telegram init: %w", err)
	}
	return &TelegramSink{bot: bot, chat: tb.ChatID(chatID)}, nil
}

func (t *TelegramSink) Send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		return fmt.Errorf("notifier: telegram send timed out")
	}
}
