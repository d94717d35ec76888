package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/metrics"
)

type ManagerOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics when cfg.Metrics.Enabled.
	Gatherer   prometheus.Gatherer
	BotFactory BotFactory
}

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *slog.Logger
}

// NewChannelManager builds the HTTP channel and, when enabled, the Telegram channel, and
// subscribes each to outbound messages.
func NewChannelManager(cfg *config.Config, b *bus.MessageBus, reader StateReader, opts ManagerOptions) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.Component(opts.Logger, "channel-mgr"),
	}

	httpOpts := []HTTPOption{WithHTTPMetrics(opts.Metrics)}
	if cfg.Metrics.Enabled && opts.Gatherer != nil {
		httpOpts = append(httpOpts, WithGatherer(opts.Gatherer))
	}
	httpCh, err := NewHTTPChannel(cfg.Gateway, b, reader, opts.Logger, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("init http channel: %w", err)
	}
	m.Register(httpCh)

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannelWithFactory(cfg.Telegram, b, opts.Logger, opts.BotFactory)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and routes outbound messages for it.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Warn("send failed", "channel", ch.Name(), "error", err)
		}
	})
}

func (m *ChannelManager) Channel(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
