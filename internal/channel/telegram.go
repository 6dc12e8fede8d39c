package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/config"
	"go.uber.org/zap"
)

const telegramChannelName = "telegram"

// Telegram rejects messages over 4096 characters.
const telegramMaxLen = 4000

// TelegramBot is the slice of the bot API the alerter uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramAlerter posts bus events to a single chat.
type TelegramAlerter struct {
	token      string
	chatID     int64
	proxy      string
	botFactory BotFactory
	logger     *zap.Logger

	mu  sync.RWMutex
	bot TelegramBot
}

func NewTelegramAlerter(cfg config.TelegramConfig, logger *zap.Logger) (*TelegramAlerter, error) {
	return NewTelegramAlerterWithFactory(cfg, defaultBotFactory, logger)
}

func NewTelegramAlerterWithFactory(cfg config.TelegramConfig, factory BotFactory, logger *zap.Logger) (*TelegramAlerter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramAlerter{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		botFactory: factory,
		logger:     logger.Named(telegramChannelName),
	}, nil
}

func (t *TelegramAlerter) Name() string { return telegramChannelName }

func (t *TelegramAlerter) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.logger.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramAlerter) Start(ctx context.Context) error {
	return t.initBot()
}

func (t *TelegramAlerter) Stop() error {
	t.SetBot(nil)
	return nil
}

func (t *TelegramAlerter) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}

// Send formats ev and posts it in as many chunks as needed. A chunk whose
// HTML rendering Telegram rejects is resent as raw text.
func (t *TelegramAlerter) Send(ev bus.Event) error {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	for _, part := range splitMessage(formatAlert(ev), telegramMaxLen) {
		msg := tgbotapi.NewMessage(t.chatID, toTelegramHTML(part))
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := bot.Send(msg); err == nil {
			continue
		}
		if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, part)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts s into pieces of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(s string, limit int) []string {
	var parts []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut > 0 {
			parts = append(parts, s[:cut])
			s = s[cut+1:]
			continue
		}
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// formatAlert renders ev as markdown: a bold headline followed by one
// line per payload key in sorted order.
func formatAlert(ev bus.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", ev.Kind)
	if ev.SessionID != "" {
		fmt.Fprintf(&b, " session `%s`", ev.SessionID)
	}
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, formatValue(ev.Payload[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.2f", x)
	case []string:
		if len(x) == 0 {
			return "-"
		}
		return strings.Join(x, "; ")
	default:
		return fmt.Sprint(x)
	}
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", "<pre>", "</pre>")
	s = replacePairs(s, "`", "<code>", "</code>")
	s = replacePairs(s, "**", "<b>", "</b>")
	return s
}

// replacePairs rewrites each matched pair of delim around a span; an
// unmatched trailing delimiter is left alone.
func replacePairs(s, delim, open, closeTag string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		s = s[:start] + open + s[start+len(delim):end] + closeTag + s[end+len(delim):]
	}
}
