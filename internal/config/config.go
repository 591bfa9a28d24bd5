// Package config loads the mpipe TOML configuration file. Values not set in
// the file keep their defaults; environment overrides are applied by the
// command, never here.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport names.
const (
	TransportGRPC = "grpc"
	TransportQUIC = "quic"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	LogLevel  string
	Transport string
	Broker    Broker
	Client    Client
	Admin     Admin
	Ingest    Ingest
}

// Broker configures the inbound listener.
type Broker struct {
	Host           string
	Port           int
	Token          string
	GateOnKeyframe bool
}

// Client configures an outbound subscription.
type Client struct {
	Host             string
	Port             int
	Token            string
	HandshakeTimeout time.Duration

	// Zero MaxAttempts and BackoffInitial retry immediately, forever.
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     bool
}

// Admin configures the HTTP admin API. An empty Addr disables it.
type Admin struct {
	Addr string
}

// Ingest configures the producers feeding the broker. Empty addresses
// disable the corresponding ingest.
type Ingest struct {
	RTPAddr  string
	SRTAddr  string
	SRTPulls []SRTPull
}

// SRTPull is a remote SRT listener pulled at startup.
type SRTPull struct {
	Address   string
	StreamKey string
	StreamID  string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		Transport: TransportGRPC,
		Broker: Broker{
			Port:           10000,
			GateOnKeyframe: true,
		},
		Client: Client{
			Host:             "127.0.0.1",
			Port:             10000,
			HandshakeTimeout: 250 * time.Millisecond,
		},
		Admin: Admin{Addr: ":8081"},
	}
}

type fileConfig struct {
	LogLevel  string     `toml:"log_level"`
	Transport string     `toml:"transport"`
	Broker    brokerFile `toml:"broker"`
	Client    clientFile `toml:"client"`
	Admin     adminFile  `toml:"admin"`
	Ingest    ingestFile `toml:"ingest"`
}

type brokerFile struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Token          string `toml:"token"`
	GateOnKeyframe bool   `toml:"gate_on_keyframe"`
}

type clientFile struct {
	Host              string  `toml:"host"`
	Port              int     `toml:"port"`
	Token             string  `toml:"token"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

type adminFile struct {
	Addr string `toml:"addr"`
}

type ingestFile struct {
	RTPAddr  string        `toml:"rtp_addr"`
	SRTAddr  string        `toml:"srt_addr"`
	SRTPulls []srtPullFile `toml:"srt_pull"`
}

type srtPullFile struct {
	Address   string `toml:"address"`
	StreamKey string `toml:"stream_key"`
	StreamID  string `toml:"stream_id"`
}

// Load reads the TOML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// Parse decodes TOML text over the defaults.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}

	if meta.IsDefined("broker", "host") {
		cfg.Broker.Host = strings.TrimSpace(raw.Broker.Host)
	}
	if meta.IsDefined("broker", "port") {
		cfg.Broker.Port = raw.Broker.Port
	}
	if meta.IsDefined("broker", "token") {
		cfg.Broker.Token = raw.Broker.Token
	}
	if meta.IsDefined("broker", "gate_on_keyframe") {
		cfg.Broker.GateOnKeyframe = raw.Broker.GateOnKeyframe
	}

	if meta.IsDefined("client", "host") {
		cfg.Client.Host = strings.TrimSpace(raw.Client.Host)
	}
	if meta.IsDefined("client", "port") {
		cfg.Client.Port = raw.Client.Port
	}
	if meta.IsDefined("client", "token") {
		cfg.Client.Token = raw.Client.Token
	}
	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.Client.HandshakeTimeout, &cfg.Client.HandshakeTimeout},
		{"backoff_initial", raw.Client.BackoffInitial, &cfg.Client.BackoffInitial},
		{"backoff_max", raw.Client.BackoffMax, &cfg.Client.BackoffMax},
	}
	for _, d := range durations {
		if !meta.IsDefined("client", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return Config{}, fmt.Errorf("parse client.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("client", "max_attempts") {
		cfg.Client.MaxAttempts = raw.Client.MaxAttempts
	}
	if meta.IsDefined("client", "backoff_multiplier") {
		cfg.Client.BackoffMultiplier = raw.Client.BackoffMultiplier
	}
	if meta.IsDefined("client", "backoff_jitter") {
		cfg.Client.BackoffJitter = raw.Client.BackoffJitter
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("ingest", "rtp_addr") {
		cfg.Ingest.RTPAddr = strings.TrimSpace(raw.Ingest.RTPAddr)
	}
	if meta.IsDefined("ingest", "srt_addr") {
		cfg.Ingest.SRTAddr = strings.TrimSpace(raw.Ingest.SRTAddr)
	}
	if meta.IsDefined("ingest", "srt_pull") {
		cfg.Ingest.SRTPulls = make([]SRTPull, 0, len(raw.Ingest.SRTPulls))
		for _, p := range raw.Ingest.SRTPulls {
			cfg.Ingest.SRTPulls = append(cfg.Ingest.SRTPulls, SRTPull{
				Address:   strings.TrimSpace(p.Address),
				StreamKey: strings.TrimSpace(p.StreamKey),
				StreamID:  strings.TrimSpace(p.StreamID),
			})
		}
	}
	return cfg, nil
}

// Validate checks the settings used by every command. Token presence is
// checked by the component that needs it.
func (c Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Transport {
	case TransportGRPC, TransportQUIC:
	default:
		return fmt.Errorf("%w: transport %q (want %s or %s)", ErrInvalid, c.Transport, TransportGRPC, TransportQUIC)
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: broker.port %d out of range", ErrInvalid, c.Broker.Port)
	}
	if c.Client.Port < 1 || c.Client.Port > 65535 {
		return fmt.Errorf("%w: client.port %d out of range", ErrInvalid, c.Client.Port)
	}
	if c.Client.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: client.handshake_timeout must be positive", ErrInvalid)
	}
	if c.Client.MaxAttempts < 0 {
		return fmt.Errorf("%w: client.max_attempts must not be negative", ErrInvalid)
	}
	if c.Client.BackoffInitial < 0 || c.Client.BackoffMax < 0 {
		return fmt.Errorf("%w: client backoff durations must not be negative", ErrInvalid)
	}
	for i, p := range c.Ingest.SRTPulls {
		if p.Address == "" || p.StreamKey == "" {
			return fmt.Errorf("%w: ingest.srt_pull[%d] needs address and stream_key", ErrInvalid, i)
		}
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
}
