package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/memory"
)

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	b := bus.NewMessageBus(10)

	open := NewBaseChannel("test", b, nil, nil)
	if !open.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}

	ch := NewBaseChannel("test", b, []string{"user1", "user2"}, nil)
	if !ch.IsAllowed("user1") || !ch.IsAllowed("user2") {
		t.Error("should allow listed users")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

// mockTelegramBot records sends; replies arrive from goroutines so it locks.
type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sent        []tgbotapi.MessageConfig
	sendErr     error
	failFirst   bool
	calls       int
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failFirst && m.calls == 1 {
		return tgbotapi.Message{}, fmt.Errorf("can't parse entities")
	}
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	if mc, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, mc)
	}
	return tgbotapi.Message{MessageID: m.calls}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) messages() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), m.sent...)
}

func (m *mockTelegramBot) waitForMessages(t *testing.T, n int) []tgbotapi.MessageConfig {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := m.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sent messages, got %d", n, len(m.messages()))
	return nil
}

func commandMessage(fromID, chatID int64, text string) *tgbotapi.Message {
	cmd := strings.Fields(text)[0]
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: fromID, UserName: "someone"},
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Date:     1700000000,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, *mockTelegramBot) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	bot := newMockBot()
	ch, err := NewTelegramChannelWithFactory(cfg, b, nil, func(string, string, *http.Client) (TelegramBot, error) {
		return bot, nil
	})
	if err != nil {
		t.Fatalf("NewTelegramChannelWithFactory: %v", err)
	}
	ch.SetBot(bot)
	return ch, bot
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	_, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(10), nil)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
}

func TestTelegramChannel_SummaryCommand(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)

	ch.handleMessage(commandMessage(123, 456, "/summary"))

	select {
	case in := <-b.Inbound:
		if in.Command != bus.CommandTriggerSummary {
			t.Errorf("command = %q, want %q", in.Command, bus.CommandTriggerSummary)
		}
		if in.SenderID != "123" || in.ChatID != "456" {
			t.Errorf("sender/chat = %s/%s, want 123/456", in.SenderID, in.ChatID)
		}
		in.Respond(bus.Reply{Status: bus.StatusSummaryTriggered})
	case <-time.After(time.Second):
		t.Fatal("expected inbound command")
	}

	msgs := bot.waitForMessages(t, 1)
	if msgs[0].ChatID != 456 || msgs[0].Text != bus.StatusSummaryTriggered {
		t.Errorf("reply = %d %q", msgs[0].ChatID, msgs[0].Text)
	}
}

func TestTelegramChannel_ClearCommandError(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)

	ch.handleMessage(commandMessage(1, 2, "/clear"))

	in := <-b.Inbound
	if in.Command != bus.CommandClearMemory {
		t.Fatalf("command = %q", in.Command)
	}
	in.Respond(bus.Reply{Status: bus.StatusClearError, Error: "disk full"})

	msgs := bot.waitForMessages(t, 1)
	if !strings.Contains(msgs[0].Text, bus.StatusClearError) || !strings.Contains(msgs[0].Text, "disk full") {
		t.Errorf("reply = %q", msgs[0].Text)
	}
}

func TestTelegramChannel_Rejected(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{AllowFrom: []string{"999"}}, b)

	ch.handleMessage(commandMessage(123, 456, "/summary"))

	time.Sleep(20 * time.Millisecond)
	select {
	case <-b.Inbound:
		t.Error("should not forward message from rejected sender")
	default:
	}
	if len(bot.messages()) != 0 {
		t.Error("should not reply to rejected sender")
	}
}

func TestTelegramChannel_PlainTextIgnored(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := newTestTelegram(t, config.TelegramConfig{}, b)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 1},
		Chat: &tgbotapi.Chat{ID: 2},
		Text: "hello",
	})

	select {
	case <-b.Inbound:
		t.Error("plain text should not become a command")
	default:
	}
}

func TestTelegramChannel_UnknownCommandHelp(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)

	ch.handleMessage(commandMessage(1, 2, "/start"))

	msgs := bot.waitForMessages(t, 1)
	if !strings.Contains(msgs[0].Text, "/summary") {
		t.Errorf("expected help text, got %q", msgs[0].Text)
	}
	select {
	case <-b.Inbound:
		t.Error("unknown command should not reach the bus")
	default:
	}
}

func TestTelegramChannel_Start_ForwardsUpdates(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bot.updatesChan <- tgbotapi.Update{Message: nil}
	bot.updatesChan <- tgbotapi.Update{Message: commandMessage(1, 2, "/summary")}

	select {
	case in := <-b.Inbound:
		if in.Command != bus.CommandTriggerSummary {
			t.Errorf("command = %q", in.Command)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound command")
	}

	ch.Stop()
	bot.mu.Lock()
	stopped := bot.stopped
	bot.mu.Unlock()
	if !stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_InitBot(t *testing.T) {
	b := bus.NewMessageBus(10)

	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, nil,
		func(string, string, *http.Client) (TelegramBot, error) { return nil, fmt.Errorf("auth failed") })
	if err := ch.initBot(); err == nil {
		t.Error("expected error from factory")
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}

	ch, _ = NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token", Proxy: "://invalid-url"}, b, nil, nil)
	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_SendDayEvent(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{ChatID: 42}, b)

	err := ch.Send(bus.OutboundMessage{Day: &bus.DayEvent{
		Day:   "2024-05-01",
		Added: []memory.Entry{{Summary: "Read about <generics>", Tags: []string{"go", "type params"}}},
	}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := bot.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ChatID != 42 || got.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("chat/parse mode = %d/%q", got.ChatID, got.ParseMode)
	}
	for _, want := range []string{"<b>Memory for 2024-05-01</b>", "Read about &lt;generics&gt;", "#go #type_params"} {
		if !strings.Contains(got.Text, want) {
			t.Errorf("text %q missing %q", got.Text, want)
		}
	}
}

func TestTelegramChannel_SendSkips(t *testing.T) {
	b := bus.NewMessageBus(10)

	ch, bot := newTestTelegram(t, config.TelegramConfig{ChatID: 42}, b)
	if err := ch.Send(bus.OutboundMessage{Day: &bus.DayEvent{Day: "2024-05-01"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot.messages()) != 0 {
		t.Error("day without new entries should not be posted")
	}

	noChat, bot2 := newTestTelegram(t, config.TelegramConfig{}, b)
	if err := noChat.Send(bus.OutboundMessage{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot2.messages()) != 0 {
		t.Error("no chat configured, nothing should be sent")
	}
}

func TestTelegramChannel_SendErrors(t *testing.T) {
	b := bus.NewMessageBus(10)

	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b, nil)
	if err := ch.Send(bus.OutboundMessage{ChatID: "1", Content: "x"}); err == nil {
		t.Error("expected error with nil bot")
	}

	ch, _ = newTestTelegram(t, config.TelegramConfig{}, b)
	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Error("expected error for invalid chat id")
	}

	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)
	bot.sendErr = fmt.Errorf("send failed")
	if err := ch.Send(bus.OutboundMessage{ChatID: "1", Content: "x"}); err == nil {
		t.Error("expected error when both sends fail")
	}
}

func TestTelegramChannel_SendRetriesPlain(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, bot := newTestTelegram(t, config.TelegramConfig{}, b)
	bot.failFirst = true

	if err := ch.Send(bus.OutboundMessage{ChatID: "7", Content: "a & b"}); err != nil {
		t.Fatalf("Send should succeed after retry: %v", err)
	}
	msgs := bot.messages()
	if len(msgs) != 1 || msgs[0].ParseMode != "" {
		t.Errorf("expected one plain-text retry, got %+v", msgs)
	}
}

func TestSplitMessage(t *testing.T) {
	lines := strings.Repeat("This is a long line of text that will be repeated.\n", 100)
	chunks := splitMessage(lines, telegramMaxLen)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > telegramMaxLen {
			t.Errorf("chunk too long: %d", len(c))
		}
	}

	flat := strings.Repeat("é", 3000)
	total := 0
	for _, c := range splitMessage(flat, telegramMaxLen) {
		if !strings.HasPrefix(c, "é") {
			t.Fatalf("chunk split inside a rune")
		}
		total += len(c)
	}
	if total != len(flat) {
		t.Errorf("lost bytes: %d != %d", total, len(flat))
	}

	if got := splitMessage("", 10); len(got) != 0 {
		t.Errorf("empty input should give no chunks, got %v", got)
	}
}

// mockChannel implements Channel for manager tests.
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sent     chan bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sent <- msg
	return nil
}

func TestChannelManager_Defaults(t *testing.T) {
	b := bus.NewMessageBus(10)
	cfg := config.DefaultConfig()

	m, err := NewChannelManager(cfg, b, &fakeReader{}, ManagerOptions{})
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	if got := m.EnabledChannels(); len(got) != 1 || got[0] != "http" {
		t.Errorf("EnabledChannels = %v, want [http]", got)
	}
}

func TestChannelManager_TelegramEnabled(t *testing.T) {
	b := bus.NewMessageBus(10)
	cfg := config.DefaultConfig()
	cfg.Telegram.Enabled = true

	if _, err := NewChannelManager(cfg, b, &fakeReader{}, ManagerOptions{}); err == nil {
		t.Error("expected error for telegram without token")
	}

	cfg.Telegram.Token = "fake-token"
	m, err := NewChannelManager(cfg, b, &fakeReader{}, ManagerOptions{})
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	if got := m.EnabledChannels(); len(got) != 2 || got[0] != "http" || got[1] != "telegram" {
		t.Errorf("EnabledChannels = %v", got)
	}
}

func TestChannelManager_RegisterRoutesOutbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	m := &ChannelManager{channels: map[string]Channel{}, bus: b, logger: logger.Discard()}

	mock := &mockChannel{name: "mock", sent: make(chan bus.OutboundMessage, 1)}
	m.Register(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	if err := b.Publish(bus.OutboundMessage{Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-mock.sent:
		if msg.Content != "hello" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected outbound delivery")
	}

	if err := m.StartAll(ctx); err != nil || !mock.started {
		t.Errorf("StartAll: err=%v started=%v", err, mock.started)
	}
	if err := m.StopAll(); err != nil || !mock.stopped {
		t.Errorf("StopAll: err=%v stopped=%v", err, mock.stopped)
	}
	if ch, ok := m.Channel("mock"); !ok || ch != mock {
		t.Error("Channel lookup failed")
	}
}

func TestChannelManager_StartAllError(t *testing.T) {
	b := bus.NewMessageBus(10)
	m := &ChannelManager{channels: map[string]Channel{}, bus: b, logger: logger.Discard()}
	m.Register(&mockChannel{name: "mock", startErr: fmt.Errorf("start failed")})

	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected error from StartAll")
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}
