package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// TelegramConfig configures the Telegram delivery channel.
type TelegramConfig struct {
	Token string
	// PollTimeout bounds the long-poll window. Default 10s.
	PollTimeout time.Duration
}

// Telegram delivers messages through the Bot API. It implements Sender and,
// bound to a chat via LogSender, the logging sink.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := t.bot.Send(chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// LogSender binds the channel to one chat for log forwarding.
func (t *Telegram) LogSender(chatID int64) *TelegramLogSender {
	return &TelegramLogSender{tg: t, chatID: chatID}
}

type TelegramLogSender struct {
	tg     *Telegram
	chatID int64
}

func (s *TelegramLogSender) SendLog(ctx context.Context, text string) error {
	if s == nil || s.tg == nil || s.chatID == 0 {
		return nil
	}
	return s.tg.SendText(ctx, s.chatID, text)
}

// splitText chunks long messages for the Bot API limit, preferring newline
// boundaries over mid-line cuts.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
