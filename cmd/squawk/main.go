package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/halfduplex/squawk/internal/config"
	"github.com/halfduplex/squawk/internal/identity"
	"github.com/halfduplex/squawk/internal/mailbox"
	"github.com/halfduplex/squawk/internal/mailboxrpc"
	"github.com/halfduplex/squawk/internal/negotiate"
	"github.com/halfduplex/squawk/internal/webrtcpeer"
)

const dialTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	var portMin, portMax uint16
	if cfg.UDPPortRange != nil {
		portMin, portMax = cfg.UDPPortRange.Min, cfg.UDPPortRange.Max
	}
	api, err := webrtcpeer.NewAPI(portMin, portMax)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to reach mailbox", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	dial := func(ctx context.Context) (negotiate.Transport, error) {
		peer, err := webrtcpeer.New(api, cfg.ICEServers)
		if err != nil {
			return nil, err
		}
		return peer, nil
	}

	neg := negotiate.New(store, identity.NewLocalIssuer(), dial,
		negotiate.WithLogger(logger),
		negotiate.WithOfferTTL(cfg.OfferTTL),
	)
	neg.OnConnState(func(state negotiate.ConnState) {
		fmt.Printf("*** %s\n", state)
	})

	logger.Info("starting squawk",
		"mailbox", cfg.MailboxURL,
		"mode", cfg.Mode,
		"offer_ttl", cfg.OfferTTL,
	)

	if cfg.Frequency != 0 {
		join(ctx, neg, cfg.Frequency)
	}

	go repl(ctx, neg, stop)

	<-ctx.Done()
	neg.Leave()
}

func openStore(ctx context.Context, cfg config.Client, logger *slog.Logger) (mailbox.Store, func(), error) {
	if cfg.MailboxURL == "" {
		logger.Info("no mailbox configured, using in-process store")
		return mailbox.NewMemoryStore(), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := mailboxrpc.Dial(dialCtx, cfg.MailboxURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

func repl(ctx context.Context, neg *negotiate.Negotiator, quit func()) {
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "join":
			freq, ok := parseFreqArg(fields)
			if !ok {
				continue
			}
			join(ctx, neg, freq)
		case "leave":
			neg.Leave()
			fmt.Println("left channel")
		case "talk":
			neg.SetTalk(true)
		case "hush":
			neg.SetTalk(false)
		case "reset":
			freq, ok := parseFreqArg(fields)
			if !ok {
				continue
			}
			if err := neg.ResetChannel(ctx, freq); err != nil {
				fmt.Printf("reset failed: %v\n", err)
			}
		case "restart":
			neg.Restart()
			fmt.Println("ready")
		case "state":
			fmt.Printf("%s (%s)\n", neg.State(), neg.ConnState())
			if err := neg.LastErr(); err != nil {
				fmt.Printf("last error: %v\n", err)
			}
		case "quit", "exit":
			quit()
			return
		case "help":
			printHelp()
		default:
			fmt.Printf("unknown command %q (try help)\n", fields[0])
		}
	}
}

func join(ctx context.Context, neg *negotiate.Negotiator, freq float64) {
	if err := neg.Join(ctx, freq); err != nil {
		switch {
		case errors.Is(err, mailbox.ErrOccupied):
			fmt.Printf("%.1f MHz is occupied\n", freq)
		case errors.Is(err, negotiate.ErrClosed):
			fmt.Println("session closed; run restart first")
		default:
			fmt.Printf("join failed: %v\n", err)
		}
		return
	}
	role, _ := neg.Role()
	fmt.Printf("tuned to %.1f MHz as %s\n", freq, role)
}

func parseFreqArg(fields []string) (float64, bool) {
	if len(fields) < 2 {
		fmt.Println("usage: " + fields[0] + " <frequency MHz>")
		return 0, false
	}
	freq, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		fmt.Printf("bad frequency %q\n", fields[1])
		return 0, false
	}
	return freq, true
}

func printHelp() {
	fmt.Println(`commands:
  join <freq>    tune to a frequency (e.g. join 462.7)
  leave          leave the current channel
  talk / hush    open / close the push-to-talk gate
  reset <freq>   clear a stale channel document
  restart        re-arm after a closed session
  state          show session and connection state
  quit           exit`)
}
