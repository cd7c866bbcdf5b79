package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/wire"
	"github.com/rs/zerolog"
)

// TCPSourceConfig holds the TCP source options: address (empty = all
// interfaces), port.
type TCPSourceConfig struct {
	Address string
	Port    int
}

// TCPSource accepts connections and decodes binary-framed events from
// each, enqueueing them as they arrive.
type TCPSource struct {
	cfg   TCPSourceConfig
	log   zerolog.Logger
	queue *InputQueue
}

// NewTCPSource constructs a TCPSource.
func NewTCPSource(cfg TCPSourceConfig, log zerolog.Logger, queue *InputQueue) *TCPSource {
	return &TCPSource{cfg: cfg, log: log.With().Str("adapter", "tcp-source").Logger(), queue: queue}
}

// Run listens and serves connections until ctx is cancelled.
func (s *TCPSource) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adapters: tcp source listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		go s.serve(ctx, conn)
	}
}

func (s *TCPSource) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := wire.NewBinaryDecoder(conn)
	for {
		e, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("decode error, closing connection")
			}
			return
		}
		if err := s.queue.Put(ctx, e); err != nil {
			return
		}
	}
}

// TCPSinkConfig holds the TCP sink options: host, port, connect_retries
// (default 100), retry_delay (default 5s).
type TCPSinkConfig struct {
	Host           string
	Port           int
	ConnectRetries int
	RetryDelay     time.Duration
}

func (c TCPSinkConfig) withDefaults() TCPSinkConfig {
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 100
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// TCPSink maintains an outbound connection, transparently reconnecting
// on EPIPE.
type TCPSink struct {
	cfg  TCPSinkConfig
	log  zerolog.Logger
	conn net.Conn
}

// NewTCPSink constructs a TCPSink; the first connection attempt happens
// lazily on the first Push.
func NewTCPSink(cfg TCPSinkConfig, log zerolog.Logger) *TCPSink {
	return &TCPSink{cfg: cfg.withDefaults(), log: log.With().Str("adapter", "tcp-sink").Logger()}
}

func (s *TCPSink) dial(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var lastErr error
	for attempt := 0; attempt < s.cfg.ConnectRetries; attempt++ {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			s.conn = conn
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("adapters: tcp sink: exhausted %d connect retries: %w", s.cfg.ConnectRetries, lastErr)
}

// Push implements kernel.Sink, reconnecting once on a broken-pipe error
// before giving up.
func (s *TCPSink) Push(ctx context.Context, e *event.Event) error {
	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	if err := wire.EncodeBinary(s.conn, []*event.Event{e}); err != nil {
		if isBrokenPipe(err) {
			s.log.Warn().Msg("tcp sink: broken pipe, reconnecting")
			s.conn.Close()
			s.conn = nil
			if err := s.dial(ctx); err != nil {
				return err
			}
			return wire.EncodeBinary(s.conn, []*event.Event{e})
		}
		return fmt.Errorf("adapters: tcp sink push: %w", err)
	}
	return nil
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}

// Close releases the underlying connection, if any.
func (s *TCPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
