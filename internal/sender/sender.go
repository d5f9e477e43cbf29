// Package sender implements the bridge's downstream delivery side (C3):
// it connects (or reconnects) to the gateway socket and writes each
// payload popped from the shared ring buffer as a single message. It is
// grounded on client/senders.go's dial-then-write idiom and
// plugins/tcp/tcp_output.go's connect/sendRecord/reconnect shape from the
// teacher, with the reconnect backoff itself following the same
// cenkalti/backoff/v5 pattern used in internal/receiver (and sourced from
// sakateka-yanet2's bird-adapter service).
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mozilla-services/amqp-bridge/internal/ringbuf"
	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

// Endpoint describes the downstream gateway socket.
type Endpoint struct {
	// Network is "unix", "unixgram", or "tcp".
	Network string
	// Address is a filesystem path for unix(gram) sockets or a
	// host:port pair for tcp.
	Address string
}

// Config carries the sender's policy parameters.
type Config struct {
	Endpoint   Endpoint
	Blocking   bool // if false, sends that would block are dropped
	MaxBackoff time.Duration
}

// Sender pops payloads from ring and writes them to the configured
// downstream socket, reconnecting with exponential backoff on transport
// failure.
type Sender struct {
	cfg      Config
	ring     *ringbuf.Ring
	counters *stats.Counters
	log      *zap.SugaredLogger

	conn    net.Conn
	running bool
}

// New constructs a Sender.
func New(cfg Config, ring *ringbuf.Ring, counters *stats.Counters, log *zap.SugaredLogger) *Sender {
	return &Sender{cfg: cfg, ring: ring, counters: counters, log: log, running: true}
}

// Running reports whether the sender is still active.
func (s *Sender) Running() bool { return s.running }

// upstreamDone reports whether the producer side has finished and the
// ring has drained, the termination condition from spec.md §4.3: once
// true, Run closes the socket and returns rather than spinning forever
// on an empty ring.
type upstreamDone func() bool

// Run drains the ring buffer and writes each payload downstream until
// ctx is canceled or done() reports the upstream receiver has finished
// and the ring is empty.
func (s *Sender) Run(ctx context.Context, done upstreamDone) error {
	defer func() {
		s.running = false
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	maxBackoff := s.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	bo := backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}

	attempts := 0 // consecutive send failures for the payload currently at tail

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, ok := s.ring.ReserveRead()
		if !ok {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		if err := s.send(payload); err != nil {
			attempts++
			s.log.Warnw("downstream send failed, reconnecting", "error", err, "attempt", attempts)
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			if attempts > 1 {
				// One retry after reconnect is all spec.md §4.3 asks
				// for; a payload that still fails is dropped so a
				// single bad write can't wedge the whole pipeline.
				s.log.Warnw("dropping payload after persistent send failure", "error", err)
				s.ring.CommitRead()
				attempts = 0
				continue
			}
			wait, boErr := bo.NextBackOff()
			if boErr != nil {
				wait = maxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		attempts = 0
		bo.Reset()
		s.ring.CommitRead()
	}
}

// send writes one payload to the downstream socket, connecting first if
// necessary. In non-blocking mode a near-zero write deadline stands in
// for a native would-block check (net.Conn has no MSG_DONTWAIT
// equivalent); os.ErrDeadlineExceeded is treated as spec.md §4.3's
// would-block event rather than a connection failure; the payload is
// counted and the loop advances past it.
func (s *Sender) send(payload []byte) error {
	if s.conn == nil {
		conn, err := s.connect()
		if err != nil {
			return err
		}
		s.conn = conn
	}

	if !s.cfg.Blocking {
		s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}

	_, err := s.conn.Write(payload)
	if err != nil {
		if !s.cfg.Blocking && errors.Is(err, os.ErrDeadlineExceeded) {
			s.counters.SockWouldBlock.Add(1)
			// The delivery attempt is abandoned, not retried: the
			// would-block path is lossy by design (spec.md §4.3). send
			// reports success so the caller advances past this slot
			// exactly once, via its own CommitRead.
			return nil
		}
		return fmt.Errorf("write to %s:%s: %w", s.cfg.Endpoint.Network, s.cfg.Endpoint.Address, err)
	}
	s.counters.SockSent.Add(1)
	return nil
}

// connect dials the configured downstream endpoint.
func (s *Sender) connect() (net.Conn, error) {
	ep := s.cfg.Endpoint
	switch ep.Network {
	case "unix", "unixgram":
		addr := &net.UnixAddr{Name: ep.Address, Net: ep.Network}
		conn, err := net.DialUnix(ep.Network, nil, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", ep.Network, ep.Address, err)
		}
		return conn, nil
	case "tcp":
		conn, err := net.Dial("tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s: %w", ep.Address, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported downstream network %q", ep.Network)
	}
}
