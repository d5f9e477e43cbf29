// Package supervisor implements the bridge's coordination layer (C4): it
// starts the AMQP receiver and downstream sender as concurrent workers,
// samples their counters once a second, prints the documented telemetry
// line every stat_period ticks, and returns once both workers have
// finished: a stopped sender or a stop request cancels the receiver, while
// a stopped receiver leaves the sender to drain the ring.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

// Worker is the subset of the receiver/sender lifecycle the supervisor
// needs: a blocking Run and a post-mortem liveness flag.
type Worker interface {
	Run(ctx context.Context) error
	Running() bool
}

// Supervisor coordinates one receiver and one sender sharing counters.
type Supervisor struct {
	counters   *stats.Counters
	log        *zap.SugaredLogger
	statPeriod time.Duration // 0 disables printing
	stdout     io.Writer     // telemetry line destination, independent of log's output path
}

// New constructs a Supervisor. statPeriod of 0 disables the stats line.
func New(counters *stats.Counters, log *zap.SugaredLogger, statPeriod time.Duration) *Supervisor {
	return &Supervisor{counters: counters, log: log, statPeriod: statPeriod, stdout: os.Stdout}
}

// funcWorker adapts a run closure and a liveness closure into a Worker.
// internal/receiver and internal/sender have slightly different Run
// signatures (the sender additionally takes an upstream-done callback),
// so cmd/amqp-bridge wires each into a funcWorker rather than either
// package depending on the supervisor's Worker type directly.
type funcWorker struct {
	run func(ctx context.Context) error
	now func() bool
}

func (w funcWorker) Run(ctx context.Context) error { return w.run(ctx) }
func (w funcWorker) Running() bool                 { return w.now() }

// NewWorker adapts a run function and a liveness-check function into a
// Worker the Supervisor can start and monitor.
func NewWorker(run func(ctx context.Context) error, running func() bool) Worker {
	return funcWorker{run: run, now: running}
}

// Run starts receiver and sender concurrently, samples counters once a
// second, and returns once either worker's Run returns (or ctx is
// canceled), after joining the other. If the sender stops first, or ctx is
// canceled, the remaining workers are canceled before being joined; if the
// receiver stops first, the sender is joined without being canceled.
func (s *Supervisor) Run(ctx context.Context, receiver, sender Worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvDone := make(chan error, 1)
	sendDone := make(chan error, 1)
	go func() { recvDone <- receiver.Run(ctx) }()
	go func() { sendDone <- sender.Run(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prev := s.counters.Snap()
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			// External cancellation (signal or parent context): clear
			// both running-flags together.
			cancel()
			<-recvDone
			<-sendDone
			return ctx.Err()

		case err := <-recvDone:
			// The receiver finishing does not itself force the sender
			// down: the sender's done() callback observes
			// receiver.Running()==false and drains the ring on its own
			// terms, so surviving queued payloads still reach the
			// gateway.
			s.log.Infow("amqp receiver stopped", "error", err)
			<-sendDone
			return nil

		case err := <-sendDone:
			// The sender finishing (e.g. persistent downstream failure)
			// leaves nowhere for future deliveries to go; cancel the
			// receiver rather than let it spin filling a ring nobody
			// drains.
			s.log.Infow("downstream sender stopped", "error", err)
			cancel()
			<-recvDone
			return nil

		case <-ticker.C:
			if s.statPeriod <= 0 {
				continue
			}
			ticks++
			if ticks < int(s.statPeriod/time.Second) {
				continue
			}
			ticks = 0
			now := s.counters.Snap()
			s.printStats(prev, now)
			prev = now
		}
	}
}

// printStats emits the one-line-per-tick telemetry format, verbatim, to
// s.stdout rather than through the zap logger: zap's stderr-by-default
// output would silently swallow a line operators expect to pipe from
// stdout (the original bridge.c prints this line with a plain printf).
func (s *Supervisor) printStats(prev, now stats.Snapshot) {
	avg := stats.LinkCreditAverage(prev, now)
	line := fmt.Sprintf(
		"in: %d(%d), amqp_overrun: %d(%d), out: %d(%d), sock_overrun: %d(%d), link_credit_average: %.2f",
		now.AMQPReceived, now.AMQPReceived-prev.AMQPReceived,
		now.RingOverruns, now.RingOverruns-prev.RingOverruns,
		now.SockSent, now.SockSent-prev.SockSent,
		now.SockWouldBlock, now.SockWouldBlock-prev.SockWouldBlock,
		avg,
	)
	fmt.Fprintln(s.stdout, line)
}
