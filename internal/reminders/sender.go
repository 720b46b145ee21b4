package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "prayerlock/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// LogSender writes reminders to the log.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (l *LogSender) Send(ctx context.Context, r Reminder) error {
	l.log.Info("reminder",
		logx.String("kind", r.Kind.String()),
		logx.Time("at", r.At),
		logx.String("text", r.Text()),
	)
	return nil
}

// TelegramConfig addresses one chat (and optional forum thread).
type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

// TelegramSender posts reminders through the Telegram Bot API. It only
// sends; it never polls for updates.
type TelegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{cfg: cfg, bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, r Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{ThreadID: t.cfg.ThreadID, DisableWebPagePreview: true}
	if _, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, r.Text(), opt); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
