// Package receiver implements the bridge's AMQP 1.0 receiving side (C2):
// it maintains a subscription to a source address, reassembles message
// bodies, settles deliveries, and pushes complete payloads into the
// shared ring buffer. It is grounded on github.com/Azure/go-amqp, the
// pack's AMQP 1.0 client (see other_examples' Azure-go-amqp sender/link
// files for the connection/session/link idiom this mirrors on the
// receive side), and on the reconnect-loop shape of
// sakateka-yanet2's bird-adapter service (exponential backoff via
// cenkalti/backoff/v5, structured zap logging).
package receiver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mozilla-services/amqp-bridge/internal/amqpurl"
	"github.com/mozilla-services/amqp-bridge/internal/ringbuf"
	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

// Config carries the connection and policy parameters for a Receiver.
type Config struct {
	URL           *amqpurl.URL
	ContainerID   string
	Credit        int   // link-credit window W granted per drain
	Count         int64 // stop cleanly after this many messages; 0 = unbounded
	BlockUpstream bool  // withhold credit top-ups while the ring is full
	MaxBackoff    time.Duration
}

// Receiver drives one AMQP session against Config.URL, pushing complete
// message payloads into ring and recording its activity in counters. Run
// blocks until ctx is canceled or the configured Count is reached; every
// other error leads to a reconnect after a backoff wait.
type Receiver struct {
	cfg      Config
	ring     *ringbuf.Ring
	counters *stats.Counters
	log      *zap.SugaredLogger

	running bool
}

// New constructs a Receiver. It takes no TLS config: each connection
// attempt builds one only for the "amqps" scheme (leaving it nil
// otherwise), delegating all TLS behavior to the AMQP library per the
// bridge's non-goal of owning TLS termination.
func New(cfg Config, ring *ringbuf.Ring, counters *stats.Counters, log *zap.SugaredLogger) *Receiver {
	return &Receiver{cfg: cfg, ring: ring, counters: counters, log: log, running: true}
}

// Running reports whether the receiver is still active. Checked by the
// sender's done callback (wired in cmd/amqp-bridge) to decide when the
// sender may stop once the ring is empty.
func (r *Receiver) Running() bool { return r.running }

// Run implements the C2 state machine: Disconnected -> Connecting ->
// Running -> (Retrying -> Disconnected)* -> Stopping. It returns when ctx
// is canceled, the stop-after-Count condition is reached, or the caller
// should treat the receiver as finished.
func (r *Receiver) Run(ctx context.Context) error {
	defer func() { r.running = false }()

	maxBackoff := r.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	bo := backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.runOnce(ctx)
		if err == nil {
			// Clean stop: count limit reached.
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		wait, boErr := bo.NextBackOff()
		if boErr != nil {
			wait = maxBackoff
		}
		r.log.Warnw("amqp receiver disconnected, retrying", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce performs one Connecting->Running cycle: dial, attach a
// receiving link, and drain deliveries until the link or connection
// fails, the context is canceled, or the message count limit is hit (in
// which case it returns nil to signal a clean stop rather than a
// reconnect-worthy error).
func (r *Receiver) runOnce(ctx context.Context) error {
	u := r.cfg.URL

	var tlsConf *tls.Config
	if u.Scheme == "amqps" {
		tlsConf = &tls.Config{ServerName: u.Host}
	}

	opts := &amqp.ConnOptions{
		ContainerID: r.cfg.ContainerID,
		TLSConfig:   tlsConf,
	}
	if u.User != "" {
		opts.SASLType = amqp.SASLTypePlain(u.User, u.Password)
	}

	addr := fmt.Sprintf("%s://%s:%d", u.Scheme, u.Host, u.Port)
	conn, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close(ctx)

	credit := r.cfg.Credit
	if credit <= 0 {
		credit = 100
	}
	recv, err := session.NewReceiver(ctx, u.Address, &amqp.ReceiverOptions{
		Credit: int32(credit),
	})
	if err != nil {
		return fmt.Errorf("attach receiver to %s: %w", u.Address, err)
	}
	defer recv.Close(ctx)

	r.log.Infow("amqp receiver attached", "address", u.Address, "credit", credit)
	return r.drain(ctx, recv, credit)
}

// drain is the Running-state message loop: receive, reassemble (handled
// by go-amqp itself; we only validate size), settle, push to the ring,
// and top up credit per the W/2 policy. It returns nil when the
// configured message count has been reached (a clean stop) and a
// non-nil error on any transport failure that should trigger a
// reconnect.
func (r *Receiver) drain(ctx context.Context, recv *amqp.Receiver, window int) error {
	low := window / 2
	granted := window
	withheld := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := recv.Receive(ctx, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("receive: %w", err)
		}
		r.counters.AMQPTotalBatches.Add(1)
		r.counters.LinkCreditSum.Add(int64(granted))
		if len(msg.Data) > 1 {
			// Multiple data sections: go-amqp already reassembled the
			// underlying multi-frame transfer for us, but a message
			// body split across sections is still the partial-delivery
			// event spec.md describes, so it's counted the same way.
			r.counters.AMQPPartial.Add(1)
		}

		data := bytes.Join(msg.Data, nil)

		// Hold this delivery and keep retrying the same push until it
		// lands or is rejected as oversize: spec.md §4.2 requires
		// withholding credit (not discarding the in-hand message) while
		// the ring is full, and §8's loss-accounting invariant requires
		// every accepted delivery to land in exactly one of
		// output/overruns/would_block/decode_errs. Calling recv.Receive
		// again here would fetch a different delivery and lose this one
		// with no accounting at all.
		outcome, gotWithheld, err := pushWithRetry(ctx, data, r.ring, r.counters, r.log, window, 10*time.Millisecond)
		// Credit is withheld only while the delivery just pushed found the
		// ring full; a later delivery that finds room lets top-ups resume.
		withheld = gotWithheld
		if err != nil {
			return err
		}

		switch outcome {
		case pushOversize:
			if err := recv.AcceptMessage(ctx, msg); err != nil {
				return fmt.Errorf("accept oversize message: %w", err)
			}
		case pushOK:
			if err := recv.AcceptMessage(ctx, msg); err != nil {
				return fmt.Errorf("accept message: %w", err)
			}
		}

		granted--
		if shouldTopUp(granted, low, r.cfg.BlockUpstream, withheld) {
			if err := recv.IssueCredit(uint32(window - granted)); err != nil {
				return fmt.Errorf("issue credit: %w", err)
			}
			granted = window
			withheld = false
		}

		if r.cfg.Count > 0 && r.counters.AMQPReceived.Load() >= r.cfg.Count {
			r.log.Infow("message count reached, stopping cleanly", "count", r.cfg.Count)
			return nil
		}
	}
}

// pushOutcome is the result of attempting to push a received payload into
// the ring buffer.
type pushOutcome int

const (
	pushOK       pushOutcome = iota // payload accepted into the ring
	pushOversize                    // payload exceeded the slot size; dropped
	pushFull                        // ring full under backpressure; retry later
)

// pushResult applies the oversize check and ring write described in
// spec.md §4.2 to a single reassembled message body, updating counters as
// a side effect. Factored out of drain so it can be exercised without a
// live AMQP connection.
func pushResult(data []byte, ring *ringbuf.Ring, counters *stats.Counters) pushOutcome {
	if len(data) > ring.SlotSize() {
		counters.AMQPDecodeErrs.Add(1)
		return pushOversize
	}
	slot, ok := ring.Reserve()
	if !ok {
		return pushFull
	}
	n := copy(slot, data)
	ring.Commit(n)
	counters.AMQPReceived.Add(1)
	return pushOK
}

// shouldTopUp reports whether the receiver should grant a fresh credit
// window now: granted has fallen to the low-water mark (window/2) and,
// under the backpressure policy, credit isn't currently being withheld
// for a full ring.
func shouldTopUp(granted, low int, blockUpstream, withheld bool) bool {
	if granted > low {
		return false
	}
	return !(blockUpstream && withheld)
}

// pushWithRetry pushes data into ring, retrying the same payload on
// pushFull until it lands, is rejected as oversize, or ctx is canceled.
// It never gives up on a full ring by moving on to a different delivery:
// the caller must hold the in-flight message and keep calling this until
// outcome is no longer pushFull. Returns whether the ring was ever
// observed full (so the caller can withhold credit top-ups) and a
// non-nil error only on ctx cancellation, in which case outcome is still
// pushFull and the payload was not placed.
func pushWithRetry(ctx context.Context, data []byte, ring *ringbuf.Ring, counters *stats.Counters, log *zap.SugaredLogger, window int, wait time.Duration) (outcome pushOutcome, withheld bool, err error) {
	for {
		outcome = pushResult(data, ring, counters)
		if outcome != pushFull {
			return outcome, withheld, nil
		}
		withheld = true
		if log != nil {
			log.Debugw("ring full, withholding credit", "window", window)
		}
		select {
		case <-ctx.Done():
			return outcome, withheld, ctx.Err()
		case <-time.After(wait):
		}
	}
}
