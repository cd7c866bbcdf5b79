package adapters

import (
	"context"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/rs/zerolog"
)

// TickerSourceConfig holds the ticker source options: eventname,
// interval (seconds). It is distinct from the kernel's own ticker.Ticker
// (which drives the kernel's simulated/real clock); this is an input
// adapter that happens to generate synthetic events on a fixed interval,
// e.g. for heartbeat/keepalive testing.
type TickerSourceConfig struct {
	EventName string
	Host      string
	Interval  time.Duration
}

// TickerSource periodically synthesizes an event and enqueues it.
type TickerSource struct {
	cfg   TickerSourceConfig
	log   zerolog.Logger
	queue *InputQueue
}

// NewTickerSource constructs a TickerSource.
func NewTickerSource(cfg TickerSourceConfig, log zerolog.Logger, queue *InputQueue) *TickerSource {
	return &TickerSource{cfg: cfg, log: log.With().Str("adapter", "ticker-source").Logger(), queue: queue}
}

// Run emits one event every Interval until ctx is cancelled.
func (s *TickerSource) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			e, err := event.New(event.Params{Name: s.cfg.EventName, Host: s.cfg.Host}, now)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to synthesize ticker event")
				continue
			}
			if err := s.queue.Put(ctx, e); err != nil {
				return err
			}
		}
	}
}
