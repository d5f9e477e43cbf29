/*

amqp-bridge daemon.

Ingests messages from an AMQP 1.0 source, buffers them in a bounded
in-process ring, and forwards payloads to a downstream gateway over a
UNIX-domain or TCP socket. See SPEC_FULL.md for the full design.

*/
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mozilla-services/amqp-bridge/internal/amqpurl"
	"github.com/mozilla-services/amqp-bridge/internal/receiver"
	"github.com/mozilla-services/amqp-bridge/internal/ringbuf"
	"github.com/mozilla-services/amqp-bridge/internal/sender"
	"github.com/mozilla-services/amqp-bridge/internal/stats"
	"github.com/mozilla-services/amqp-bridge/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("amqp-bridge", flag.ContinueOnError)

	amqpURL := fs.String("amqp_url", "amqp://127.0.0.1:5672/collectd/telemetry", "AMQP 1.0 source URL")
	gwUnix := fs.String("gw_unix", "", "downstream UNIX socket path (default /tmp/smartgateway if neither gw flag is set)")
	gwInet := fs.String("gw_inet", "", "downstream host:port (TCP)")
	block := fs.Bool("block", false, "outgoing socket is blocking")
	amqpBlock := fs.Bool("amqp_block", false, "apply backpressure upstream instead of dropping on a full ring")
	rbc := fs.Int("rbc", 5000, "ring buffer slot count")
	rbs := fs.Int("rbs", 2048, "ring buffer slot size, bytes")
	statPeriod := fs.Int("stat_period", 0, "seconds between stats prints; 0 disables")
	cid := fs.String("cid", "", "AMQP container id (default bridge-<random hex>)")
	count := fs.Int64("count", 0, "exit after N messages; 0 = run forever")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.BoolVar(verbose, "v", false, "verbose logging (shorthand)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "amqp-bridge: logger init:", err)
		return 1
	}
	defer log.Sync()
	sugar := log.Sugar()

	u, err := amqpurl.Parse(*amqpURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "amqp-bridge:", err)
		return 1
	}

	ep, err := resolveEndpoint(*gwUnix, *gwInet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "amqp-bridge:", err)
		return 1
	}

	containerID := *cid
	if containerID == "" {
		id := uuid.New()
		containerID = "bridge-" + hex.EncodeToString(id[:6])
	}

	counters := stats.New()
	ring := ringbuf.New(*rbc, *rbs, *amqpBlock, counters)

	recv := receiver.New(receiver.Config{
		URL:           u,
		ContainerID:   containerID,
		Credit:        100,
		Count:         *count,
		BlockUpstream: *amqpBlock,
	}, ring, counters, sugar.Named("receiver"))

	send := sender.New(sender.Config{
		Endpoint: ep,
		Blocking: *block,
	}, ring, counters, sugar.Named("sender"))

	sup := supervisor.New(counters, sugar, time.Duration(*statPeriod)*time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recvWorker := supervisor.NewWorker(recv.Run, recv.Running)
	sendWorker := supervisor.NewWorker(
		func(ctx context.Context) error {
			return send.Run(ctx, func() bool {
				return !recv.Running() && ring.Count() == 0
			})
		},
		send.Running,
	)

	if err := sup.Run(ctx, recvWorker, sendWorker); err != nil && err != context.Canceled {
		sugar.Errorw("amqp-bridge exiting with error", "error", err)
		return 1
	}
	return 0
}

// resolveEndpoint implements the CLI's gateway-selection precedent:
// --gw_unix and --gw_inet are mutually exclusive; if neither is given,
// the default is the UNIX socket at /tmp/smartgateway (spec.md §6).
func resolveEndpoint(gwUnix, gwInet string) (sender.Endpoint, error) {
	if gwUnix != "" && gwInet != "" {
		return sender.Endpoint{}, fmt.Errorf("--gw_unix and --gw_inet are mutually exclusive")
	}
	if gwInet != "" {
		return sender.Endpoint{Network: "tcp", Address: gwInet}, nil
	}
	path := gwUnix
	if path == "" {
		path = "/tmp/smartgateway"
	}
	return sender.Endpoint{Network: "unixgram", Address: path}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
