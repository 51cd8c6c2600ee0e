// Package telegram is the inbound chat transport: a long-poll loop over
// the Bot API that hands each text message to a handler and sends the
// reply back to the originating chat.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/metrics"
)

const (
	defaultPollTimeout = 30 // long-poll seconds
	pollErrorBackoff   = 3 * time.Second
)

// Update is one getUpdates result, trimmed to the fields the assistant
// reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Result      []Update `json:"result"`
	Description string   `json:"description"`
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Handler produces the reply for one inbound message. An empty reply
// sends nothing.
type Handler func(ctx context.Context, userID int64, text string) string

// Bot long-polls the Telegram API. Updates are acknowledged by offset,
// so each message is handled once even across restarts of the loop.
type Bot struct {
	baseURL string
	token   string
	client  *resty.Client
	handler Handler
	timeout int // long-poll seconds
	offset  int64
	log     zerolog.Logger
}

func NewBot(cfg config.TelegramConfig, handler Handler, log zerolog.Logger) *Bot {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &Bot{
		baseURL: "https://api.telegram.org",
		token:   cfg.BotToken,
		// The HTTP timeout must outlast the server-held long poll.
		client:  resty.New().SetTimeout(time.Duration(timeout+10) * time.Second),
		handler: handler,
		timeout: timeout,
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// SetBaseURL points the bot at a different API host. Used in tests.
func (b *Bot) SetBaseURL(url string) { b.baseURL = url }

// Run polls until the context is cancelled. Poll failures back off and
// retry; they never end the loop. Intended as a supervisor unit.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Int("poll_timeout_s", b.timeout).Msg("telegram long-poll started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.TelegramUpdates.WithLabelValues("poll_error").Inc()
			b.log.Warn().Err(err).Msg("getUpdates failed, backing off")
			select {
			case <-time.After(pollErrorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, u := range updates {
			b.offset = u.UpdateID + 1
			b.dispatch(ctx, u)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, u Update) {
	if u.Message == nil || u.Message.From == nil || u.Message.Text == "" {
		metrics.TelegramUpdates.WithLabelValues("skipped").Inc()
		return
	}
	msg := u.Message
	reply := b.handler(ctx, msg.From.ID, msg.Text)
	if reply == "" {
		metrics.TelegramUpdates.WithLabelValues("no_reply").Inc()
		return
	}
	if err := b.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		metrics.TelegramUpdates.WithLabelValues("send_error").Inc()
		b.log.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("sendMessage failed")
		return
	}
	metrics.TelegramUpdates.WithLabelValues("handled").Inc()
}

func (b *Bot) getUpdates(ctx context.Context) ([]Update, error) {
	var out updatesResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.FormatInt(b.offset, 10),
			"timeout": strconv.Itoa(b.timeout),
		}).
		SetResult(&out).
		Get(fmt.Sprintf("%s/bot%s/getUpdates", b.baseURL, b.token))
	if err != nil {
		return nil, fmt.Errorf("requesting updates: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram rejected getUpdates: %s", out.Description)
	}
	return out.Result, nil
}

// SendMessage posts one Markdown message. Exported so the notification
// manager can reuse the transport for outbound alerts.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	var out sendResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		SetResult(&out).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", b.baseURL, b.token))
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected sendMessage: %s", out.Description)
	}
	return nil
}
