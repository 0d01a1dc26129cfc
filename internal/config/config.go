// Package config loads configuration for the squawk client and the mailbox
// server from env vars (optionally a .env file) and command-line flags. Flags
// win over env vars, env vars win over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envVarMode      = "SQUAWK_MODE"
	envVarLogFormat = "SQUAWK_LOG_FORMAT"
	envVarLogLevel  = "SQUAWK_LOG_LEVEL"

	// Client.
	envVarMailboxURL = "SQUAWK_MAILBOX_URL"
	envVarFrequency  = "SQUAWK_FREQUENCY"
	envVarOfferTTL   = "SQUAWK_OFFER_TTL"
	envVarUDPPortMin = "SQUAWK_UDP_PORT_MIN"
	envVarUDPPortMax = "SQUAWK_UDP_PORT_MAX"

	// Server.
	envVarListenAddr           = "SQUAWK_LISTEN_ADDR"
	envVarStoreBackend         = "SQUAWK_STORE"
	envVarSQLitePath           = "SQUAWK_SQLITE_PATH"
	envVarShutdownTimeout      = "SQUAWK_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes      = "SQUAWK_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "SQUAWK_MAX_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr                = "127.0.0.1:8080"
	DefaultShutdown                  = 15 * time.Second
	DefaultOfferTTL                  = 5 * time.Minute
	DefaultMaxMessageBytes     int64 = 64 * 1024
	DefaultMaxMessagesPerSecond      = 50

	DefaultMode  Mode         = ModeDev
	DefaultStore StoreBackend = StoreMemory
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StoreBackend selects the mailbox server's persistence layer.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreSQLite StoreBackend = "sqlite"
)

// UDPPortRange restricts the local UDP ports used for ICE. When nil, the OS
// picks ephemeral ports.
type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Logging is the log configuration shared by both binaries.
type Logging struct {
	Format LogFormat
	Level  slog.Level
}

// Client is the configuration for the squawk client binary.
type Client struct {
	// MailboxURL is the ws:// or wss:// endpoint of the mailbox server.
	// Empty means an in-process store (single-machine loopback testing).
	MailboxURL string

	// Frequency the client tunes to at startup. 0 means start untuned.
	Frequency float64

	// OfferTTL is the age beyond which a channel's offer is treated as
	// abandoned at join time.
	OfferTTL time.Duration

	ICEServers   []webrtc.ICEServer
	UDPPortRange *UDPPortRange

	Mode Mode
	Log  Logging
}

// Server is the configuration for the mailbox server binary.
type Server struct {
	ListenAddr      string
	Store           StoreBackend
	SQLitePath      string
	ShutdownTimeout time.Duration

	// Per-connection abuse limits on the mailbox WebSocket.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Mode Mode
	Log  Logging
}

// LoadClient reads the client configuration. A .env file in the working
// directory is applied first, if present.
func LoadClient(args []string) (Client, error) {
	_ = godotenv.Load()
	return loadClient(os.LookupEnv, args)
}

// LoadServer reads the mailbox server configuration. A .env file in the
// working directory is applied first, if present.
func LoadServer(args []string) (Server, error) {
	_ = godotenv.Load()
	return loadServer(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (Client, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	mailboxURL := envOrDefault(lookup, envVarMailboxURL, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	frequency := 0.0
	if raw, ok := lookup(envVarFrequency); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Client{}, fmt.Errorf("invalid %s %q: %w", envVarFrequency, raw, err)
		}
		frequency = f
	}

	offerTTL := DefaultOfferTTL
	if raw, ok := lookup(envVarOfferTTL); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Client{}, fmt.Errorf("invalid %s %q: %w", envVarOfferTTL, raw, err)
		}
		offerTTL = d
	}

	var udpPortMin, udpPortMax uint
	if raw, ok := lookup(envVarUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Client{}, fmt.Errorf("invalid %s %q: %w", envVarUDPPortMin, raw, err)
		}
		udpPortMin = uint(p)
	}
	if raw, ok := lookup(envVarUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Client{}, fmt.Errorf("invalid %s %q: %w", envVarUDPPortMax, raw, err)
		}
		udpPortMax = uint(p)
	}

	fs := flag.NewFlagSet("squawk", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&mailboxURL, "mailbox", mailboxURL, "Mailbox server WebSocket URL (empty = in-process store; env "+envVarMailboxURL+")")
	fs.Float64Var(&frequency, "frequency", frequency, "Frequency in MHz to tune to at startup (0 = start untuned; env "+envVarFrequency+")")
	fs.DurationVar(&offerTTL, "offer-ttl", offerTTL, "Treat channel offers older than this as abandoned (env "+envVarOfferTTL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.UintVar(&udpPortMin, "udp-port-min", udpPortMin, "Min local UDP port for ICE (0 = unset; env "+envVarUDPPortMin+")")
	fs.UintVar(&udpPortMax, "udp-port-max", udpPortMax, "Max local UDP port for ICE (0 = unset; env "+envVarUDPPortMax+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", envOrDefault(lookup, envVarLogFormat, ""), "Log format: text or json (default by mode)")
	fs.StringVar(&logLevelStr, "log-level", envOrDefault(lookup, envVarLogLevel, ""), "Log level: debug, info, warn, error (default by mode)")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Client{}, err
	}
	logCfg, err := resolveLogging(mode, logFormatStr, logLevelStr)
	if err != nil {
		return Client{}, err
	}

	if mailboxURL != "" {
		u, err := url.Parse(strings.TrimSpace(mailboxURL))
		if err != nil {
			return Client{}, fmt.Errorf("invalid %s/--mailbox %q: %w", envVarMailboxURL, mailboxURL, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "ws" && scheme != "wss" {
			return Client{}, fmt.Errorf("invalid %s/--mailbox %q (expected ws:// or wss://)", envVarMailboxURL, mailboxURL)
		}
		if u.Host == "" {
			return Client{}, fmt.Errorf("invalid %s/--mailbox %q (missing host)", envVarMailboxURL, mailboxURL)
		}
		mailboxURL = strings.TrimSpace(mailboxURL)
	}

	if offerTTL < 0 {
		return Client{}, fmt.Errorf("%s/--offer-ttl must be >= 0", envVarOfferTTL)
	}

	var portRange *UDPPortRange
	if udpPortMin != 0 || udpPortMax != 0 {
		if udpPortMin == 0 || udpPortMax == 0 {
			return Client{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarUDPPortMin, envVarUDPPortMax)
		}
		min, err := parsePortUint(udpPortMin)
		if err != nil {
			return Client{}, fmt.Errorf("%s/--udp-port-min: %w", envVarUDPPortMin, err)
		}
		max, err := parsePortUint(udpPortMax)
		if err != nil {
			return Client{}, fmt.Errorf("%s/--udp-port-max: %w", envVarUDPPortMax, err)
		}
		if min > max {
			return Client{}, fmt.Errorf("UDP port range min (%d) must be <= max (%d)", min, max)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Client{}, err
	}

	return Client{
		MailboxURL:   mailboxURL,
		Frequency:    frequency,
		OfferTTL:     offerTTL,
		ICEServers:   iceServers,
		UDPPortRange: portRange,
		Mode:         mode,
		Log:          logCfg,
	}, nil
}

func loadServer(lookup func(string) (string, bool), args []string) (Server, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	storeStr := envOrDefault(lookup, envVarStoreBackend, string(DefaultStore))
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Server{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Server{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Server{}, err
	}

	fs := flag.NewFlagSet("squawk-mailboxd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&storeStr, "store", storeStr, "Store backend: memory or sqlite (env "+envVarStoreBackend+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database path (required with --store=sqlite; env "+envVarSQLitePath+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s; env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", envOrDefault(lookup, envVarLogFormat, ""), "Log format: text or json (default by mode)")
	fs.StringVar(&logLevelStr, "log-level", envOrDefault(lookup, envVarLogLevel, ""), "Log level: debug, info, warn, error (default by mode)")

	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Server{}, err
	}
	logCfg, err := resolveLogging(mode, logFormatStr, logLevelStr)
	if err != nil {
		return Server{}, err
	}

	store, err := parseStoreBackend(storeStr)
	if err != nil {
		return Server{}, err
	}
	if store == StoreSQLite && strings.TrimSpace(sqlitePath) == "" {
		return Server{}, fmt.Errorf("%s/--sqlite-path must be set when %s=%s", envVarSQLitePath, envVarStoreBackend, StoreSQLite)
	}

	if listenAddr == "" {
		return Server{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Server{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxMessageBytes <= 0 {
		return Server{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Server{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}

	return Server{
		ListenAddr:           listenAddr,
		Store:                store,
		SQLitePath:           sqlitePath,
		ShutdownTimeout:      shutdownTimeout,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		Mode:                 mode,
		Log:                  logCfg,
	}, nil
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	var handler slog.Handler
	switch cfg.Format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

func resolveLogging(mode Mode, formatStr, levelStr string) (Logging, error) {
	if strings.TrimSpace(formatStr) == "" {
		formatStr = defaultLogFormatForMode(mode)
	}
	if strings.TrimSpace(levelStr) == "" {
		levelStr = defaultLogLevelForMode(mode)
	}

	format, err := parseLogFormat(formatStr)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(levelStr)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Format: format, Level: level}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreMemory):
		return StoreMemory, nil
	case string(StoreSQLite):
		return StoreSQLite, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarStoreBackend, raw, StoreMemory, StoreSQLite)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
