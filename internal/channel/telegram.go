package channel

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/config"
)

const (
	telegramChannelName = "telegram"
	telegramMaxLen      = 4000
	telegramHelp        = "Commands:\n/summary - summarize recent browsing now\n/clear - delete all stored days"
)

// TelegramBot is the part of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances. Tests swap in a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// botCommands maps chat commands to bus commands.
var botCommands = map[string]string{
	"summary": bus.CommandTriggerSummary,
	"clear":   bus.CommandClearMemory,
}

// TelegramChannel accepts /summary and /clear from allowed users and posts new
// memory entries to the configured chat.
type TelegramChannel struct {
	BaseChannel
	token          string
	chatID         int64
	bot            TelegramBot
	proxy          string
	botFactory     BotFactory
	commandTimeout time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, l *slog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, l, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, l *slog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if factory == nil {
		factory = defaultBotFactory
	}
	return &TelegramChannel{
		BaseChannel:    NewBaseChannel(telegramChannelName, b, cfg.AllowFrom, l),
		token:          cfg.Token,
		chatID:         cfg.ChatID,
		proxy:          cfg.Proxy,
		botFactory:     factory,
		commandTimeout: defaultCommandTimeout,
		ctx:            context.Background(),
	}, nil
}

func (t *TelegramChannel) initBot() error {
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
	t.bot = bot
	t.logger.Info("authorized", "bot", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	ctx = t.ctx

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

// handleMessage forwards a recognized command to the bus and answers in the same chat
// once the reply arrives. It never blocks the update loop.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.logger.Warn("rejected message", "sender", senderID, "user", msg.From.UserName)
		return
	}
	if !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	command, ok := botCommands[msg.Command()]
	if !ok {
		t.reply(chatID, telegramHelp)
		return
	}

	inbound := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(chatID, 10),
		Command:   command,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, t.commandTimeout)
		defer cancel()
		r, err := t.bus.Request(ctx, inbound)
		if err != nil {
			t.reply(chatID, fmt.Sprintf("No reply: %v", err))
			return
		}
		text := r.Status
		if r.Error != "" {
			text += "\n" + r.Error
		}
		t.reply(chatID, text)
	}()
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("reply failed", "chat", chatID, "error", err)
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot without going through the factory.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send posts a message to msg.ChatID or, if empty, the configured chat. Day updates are
// only posted when the run added entries.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID := t.chatID
	if msg.ChatID != "" {
		id, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
		}
		chatID = id
	}
	if chatID == 0 {
		return nil
	}

	var text string
	switch {
	case msg.Day != nil:
		if len(msg.Day.Added) == 0 {
			return nil
		}
		text = formatDayEvent(msg.Day)
	case msg.Content != "":
		text = html.EscapeString(msg.Content)
	default:
		return nil
	}

	for _, chunk := range splitMessage(text, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Fall back to plain text in case the markup was rejected.
			tgMsg.ParseMode = ""
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// formatDayEvent renders new entries as HTML: the summary followed by hashtags.
func formatDayEvent(ev *bus.DayEvent) string {
	var sb strings.Builder
	sb.WriteString("<b>Memory for " + html.EscapeString(ev.Day) + "</b>")
	for _, e := range ev.Added {
		sb.WriteString("\n\n")
		sb.WriteString(html.EscapeString(e.Summary))
		if tags := hashtags(e.Tags); tags != "" {
			sb.WriteString("\n")
			sb.WriteString(html.EscapeString(tags))
		}
	}
	return sb.String()
}

func hashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(tag), "_")
		if tag != "" {
			out = append(out, "#"+tag)
		}
	}
	return strings.Join(out, " ")
}

// splitMessage cuts s into pieces of at most maxLen bytes, preferring newline boundaries
// and never splitting a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := strings.LastIndex(s[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
