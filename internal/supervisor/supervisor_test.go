package supervisor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

func TestSupervisorWaitsForSenderToDrainAfterReceiverFinishes(t *testing.T) {
	counters := stats.New()
	sup := New(counters, zap.NewNop().Sugar(), 0)

	recvRunning := true
	receiver := NewWorker(func(ctx context.Context) error {
		recvRunning = false
		return nil
	}, func() bool { return recvRunning })

	senderDrained := make(chan struct{})
	sender := NewWorker(func(ctx context.Context) error {
		for {
			if !recvRunning {
				close(senderDrained)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}, func() bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx, receiver, sender)
	require.NoError(t, err)
	select {
	case <-senderDrained:
	default:
		t.Fatal("sender should have observed receiver stopping before supervisor returned")
	}
}

func TestSupervisorCancelsReceiverWhenSenderFailsFirst(t *testing.T) {
	counters := stats.New()
	sup := New(counters, zap.NewNop().Sugar(), 0)

	receiverCanceled := make(chan struct{})
	receiver := NewWorker(func(ctx context.Context) error {
		<-ctx.Done()
		close(receiverCanceled)
		return ctx.Err()
	}, func() bool { return true })

	sender := NewWorker(func(ctx context.Context) error {
		return context.Canceled // simulate a persistent downstream failure
	}, func() bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx, receiver, sender)
	require.NoError(t, err)
	select {
	case <-receiverCanceled:
	default:
		t.Fatal("receiver should have been canceled once the sender gave up")
	}
}

func TestLinkCreditAverageDividesCreditDeltaByMessageDelta(t *testing.T) {
	prev := stats.Snapshot{AMQPReceived: 100, RingOverruns: 1, SockSent: 90, SockWouldBlock: 2, LinkCreditSum: 1000}
	now := stats.Snapshot{AMQPReceived: 150, RingOverruns: 1, SockSent: 140, SockWouldBlock: 2, LinkCreditSum: 1500}

	avg := stats.LinkCreditAverage(prev, now)
	require.InDelta(t, 10.0, avg, 0.0001)
}

func TestLinkCreditAverageZeroWhenNoMessages(t *testing.T) {
	prev := stats.Snapshot{AMQPReceived: 10, LinkCreditSum: 500}
	now := stats.Snapshot{AMQPReceived: 10, LinkCreditSum: 700}
	require.Zero(t, stats.LinkCreditAverage(prev, now))
}

func TestPrintStatsWritesToStdoutNotTheLogger(t *testing.T) {
	counters := stats.New()
	sup := New(counters, zap.NewNop().Sugar(), 0)

	var buf bytes.Buffer
	sup.stdout = &buf

	prev := stats.Snapshot{AMQPReceived: 100, SockSent: 90}
	now := stats.Snapshot{AMQPReceived: 150, SockSent: 140}
	sup.printStats(prev, now)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "in: 150(50)"), "got %q", out)
	require.Contains(t, out, "link_credit_average:")
}
