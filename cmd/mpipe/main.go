package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mpipe/internal/admin"
	"github.com/zsiec/mpipe/internal/certs"
	"github.com/zsiec/mpipe/internal/client"
	"github.com/zsiec/mpipe/internal/config"
	"github.com/zsiec/mpipe/internal/distribution"
	"github.com/zsiec/mpipe/internal/ingest"
	rtpingest "github.com/zsiec/mpipe/internal/ingest/rtp"
	srtingest "github.com/zsiec/mpipe/internal/ingest/srt"
	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/internal/transport/grpcpipe"
	"github.com/zsiec/mpipe/internal/transport/quicpipe"
	"github.com/zsiec/mpipe/media"
)

var version = "dev"

const usage = `usage: mpipe <command> [flags]

commands:
  broker     accept subscribers and relay ingested frames
  subscribe  connect to a broker and log received frames
  version    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var run func(context.Context, config.Config) error
	switch os.Args[1] {
	case "broker":
		run = runBroker
	case "subscribe":
		run = runSubscribe
	case "version":
		fmt.Println("mpipe", version)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MPIPE_CONFIG"), "path to a TOML config file")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the file at path and applies environment overrides.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if os.Getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}
	cfg.Transport = envOr("MPIPE_TRANSPORT", cfg.Transport)
	if tok := os.Getenv("MPIPE_TOKEN"); tok != "" {
		cfg.Broker.Token = tok
		cfg.Client.Token = tok
	}
	cfg.Broker.Host = envOr("MPIPE_HOST", cfg.Broker.Host)
	cfg.Client.Host = envOr("MPIPE_HOST", cfg.Client.Host)
	if p := os.Getenv("MPIPE_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("MPIPE_PORT: %w", err)
		}
		cfg.Broker.Port = port
		cfg.Client.Port = port
	}
	cfg.Admin.Addr = envOr("ADMIN_ADDR", cfg.Admin.Addr)
	cfg.Ingest.RTPAddr = envOr("RTP_ADDR", cfg.Ingest.RTPAddr)
	cfg.Ingest.SRTAddr = envOr("SRT_ADDR", cfg.Ingest.SRTAddr)
	return cfg, cfg.Validate()
}

func runBroker(ctx context.Context, cfg config.Config) error {
	var (
		srv         transport.Server
		fingerprint string
	)
	switch cfg.Transport {
	case config.TransportQUIC:
		slog.Info("generating self-signed certificate")
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("generate cert: %w", err)
		}
		fingerprint = cert.FingerprintBase64()
		slog.Info("certificate generated",
			"fingerprint", fingerprint,
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv = quicpipe.NewServer(cert.TLSCert, nil)
	default:
		srv = grpcpipe.NewServer(nil)
	}

	broker, err := distribution.NewBroker(distribution.BrokerConfig{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		Token:          cfg.Broker.Token,
		GateOnKeyframe: cfg.Broker.GateOnKeyframe,
	}, srv)
	if err != nil {
		return err
	}

	slog.Info("mpipe starting",
		"version", version,
		"transport", cfg.Transport,
		"port", cfg.Broker.Port,
		"rtp", cfg.Ingest.RTPAddr,
		"srt", cfg.Ingest.SRTAddr,
		"admin", cfg.Admin.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)

	if err := broker.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		broker.Stop()
		return nil
	})

	// The registry and caller are created after the errgroup so pulls
	// stop with the first failing component.
	registry := ingest.NewRegistry(broker)
	caller := srtingest.NewCaller(registry, nil)
	puller := &pullController{ctx: ctx, caller: caller}

	if cfg.Ingest.RTPAddr != "" {
		rtpSrv := rtpingest.NewServer(cfg.Ingest.RTPAddr, registry, nil)
		g.Go(func() error { return rtpSrv.Start(ctx) })
	}
	if cfg.Ingest.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.Ingest.SRTAddr, registry, nil)
		g.Go(func() error { return srtSrv.Start(ctx) })
	}
	for _, p := range cfg.Ingest.SRTPulls {
		req := srtingest.PullRequest{Address: p.Address, StreamKey: p.StreamKey, StreamID: p.StreamID}
		g.Go(func() error {
			if err := puller.Pull(req); err != nil {
				slog.Warn("SRT pull failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
			}
			return nil
		})
	}

	if cfg.Admin.Addr != "" {
		adminSrv := admin.New(admin.Config{
			Addr:            cfg.Admin.Addr,
			Transport:       cfg.Transport,
			CertFingerprint: fingerprint,
			Ingest:          registry,
			SRTPull:         puller,
		}, broker)
		g.Go(func() error { return adminSrv.Start(ctx) })
	}

	g.Go(func() error {
		select {
		case <-broker.Done():
			if ctx.Err() == nil {
				return errors.New("broker stopped unexpectedly")
			}
		case <-ctx.Done():
		}
		return nil
	})

	return g.Wait()
}

// pullController binds SRT pulls to the process context rather than the
// admin request that started them.
type pullController struct {
	ctx    context.Context
	caller *srtingest.Caller
}

func (p *pullController) Pull(req srtingest.PullRequest) error {
	return p.caller.Pull(p.ctx, req)
}

func (p *pullController) Stop(streamKey string) error {
	return p.caller.Stop(streamKey)
}

func (p *pullController) ActivePulls() []srtingest.PullRequest {
	return p.caller.ActivePulls()
}

func runSubscribe(ctx context.Context, cfg config.Config) error {
	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportQUIC:
		dialer = quicpipe.NewDialer(nil)
	default:
		dialer = grpcpipe.NewDialer()
	}

	var retry client.RetryPolicy = client.ImmediateRetry{}
	if cfg.Client.MaxAttempts > 0 || cfg.Client.BackoffInitial > 0 {
		retry = client.BackoffRetry{
			Initial:     cfg.Client.BackoffInitial,
			Multiplier:  cfg.Client.BackoffMultiplier,
			Max:         cfg.Client.BackoffMax,
			Jitter:      cfg.Client.BackoffJitter,
			MaxAttempts: cfg.Client.MaxAttempts,
		}
	}

	log := slog.Default().With("component", "subscribe")
	var (
		frames    int
		exhausted error
	)
	c := client.New(client.Config{
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		Retry:            retry,
	}, dialer, client.Events{
		FrameReceived: func(f media.Frame) {
			frames++
			log.Debug("frame", "type", f.Type, "meta", f.Meta, "bytes", len(f.Payload))
			if frames%1000 == 0 {
				log.Info("frames received", "count", frames)
			}
		},
		ReadySignalObserved: func(status string) {
			log.Info("stream ready", "status", status)
		},
		StreamEnded: func() {
			log.Info("stream ended", "frames", frames)
		},
		TransportError: func(err error) {
			if errors.Is(err, client.ErrRetriesExhausted) {
				exhausted = err
			}
			log.Warn("transport error", "error", err)
		},
		HandshakeTimeout: func(attempt int) {
			log.Debug("handshake timed out", "attempt", attempt)
		},
	})

	err := c.Start(ctx, client.ConnectionParams{
		Host:  cfg.Client.Host,
		Port:  cfg.Client.Port,
		Token: cfg.Client.Token,
	})
	if err != nil {
		return err
	}
	<-c.Done()
	return exhausted
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
