// Package config loads gateway runtime configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the gateway process.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPAddr   string
	HTTPPublic string
	SIPAddr    string

	PublicIP                string
	CloudMetadataDiscovery  bool

	Secret string

	PhoneNumbersSyncURL string
	AppsSyncURL         string
	SyncInterval        time.Duration

	HTTPHookQueues int

	MediaGateway string

	SDNPeerID     uint64
	SDNListener   string
	SDNSeeds      string
	SDNSecureCode string

	LogLevel    string
	LogFormat   string
	CORSOrigins string
}

const (
	defaultHTTPAddr       = "0.0.0.0:8008"
	defaultSIPAddr        = "0.0.0.0:5060"
	defaultSyncInterval   = 30 * time.Second
	defaultHookQueues     = 20
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all gateway environment variables.
const envPrefix = "GATEWAY_"

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)

	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "HTTP control-plane listen address")
	fs.StringVar(&cfg.HTTPPublic, "http-public", "", "public base URL advertised for hook callbacks (defaults to http-addr)")
	fs.StringVar(&cfg.SIPAddr, "sip-addr", defaultSIPAddr, "SIP UDP listen address")
	fs.StringVar(&cfg.PublicIP, "public-ip", "", "public IP advertised in SIP Contact header (auto-discovered from cloud metadata if empty and -cloud-metadata is set)")
	fs.BoolVar(&cfg.CloudMetadataDiscovery, "cloud-metadata", false, "auto-discover public-ip via cloud metadata service")
	fs.StringVar(&cfg.Secret, "secret", "", "gateway-wide symmetric secret used to sign call/notify tokens and as the root app secret")
	fs.StringVar(&cfg.PhoneNumbersSyncURL, "phone-numbers-sync-url", "", "URL to periodically fetch the phone number directory from")
	fs.StringVar(&cfg.AppsSyncURL, "apps-sync-url", "", "URL to periodically fetch the app directory from")
	syncIntervalMs := fs.Int64("sync-interval-ms", defaultSyncInterval.Milliseconds(), "directory sync poll interval in milliseconds")
	fs.IntVar(&cfg.HTTPHookQueues, "http-hook-queues", defaultHookQueues, "number of hook-delivery worker queues")
	fs.StringVar(&cfg.MediaGateway, "media-gateway", "", "base URL of the RTP-engine media server")
	sdnPeerID := fs.Uint64("sdn-peer-id", 0, "p2p overlay peer id (0 disables clustering; a local-only overlay is used instead)")
	fs.StringVar(&cfg.SDNListener, "sdn-listener", "", "p2p overlay listen address")
	fs.StringVar(&cfg.SDNSeeds, "sdn-seeds", "", "comma-separated p2p overlay seed addresses")
	fs.StringVar(&cfg.SDNSecureCode, "sdn-secure-code", "", "p2p overlay pre-shared secure code")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, syncIntervalMs, sdnPeerID)

	cfg.SyncInterval = time.Duration(*syncIntervalMs) * time.Millisecond
	cfg.SDNPeerID = *sdnPeerID

	if cfg.HTTPPublic == "" {
		cfg.HTTPPublic = "http://" + cfg.HTTPAddr
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, syncIntervalMs *int64, sdnPeerID *uint64) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookup := func(name string) (string, bool) {
		if set[strings.ToLower(strings.ReplaceAll(name, "_", "-"))] {
			return "", false
		}
		return os.LookupEnv(envPrefix + name)
	}

	if v, ok := lookup("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookup("HTTP_PUBLIC"); ok {
		cfg.HTTPPublic = v
	}
	if v, ok := lookup("SIP_ADDR"); ok {
		cfg.SIPAddr = v
	}
	if v, ok := lookup("PUBLIC_IP"); ok {
		cfg.PublicIP = v
	}
	if v, ok := lookup("CLOUD_METADATA"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CloudMetadataDiscovery = b
		}
	}
	if v, ok := lookup("SECRET"); ok {
		cfg.Secret = v
	}
	if v, ok := lookup("PHONE_NUMBERS_SYNC_URL"); ok {
		cfg.PhoneNumbersSyncURL = v
	}
	if v, ok := lookup("APPS_SYNC_URL"); ok {
		cfg.AppsSyncURL = v
	}
	if v, ok := lookup("SYNC_INTERVAL_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*syncIntervalMs = n
		}
	}
	if v, ok := lookup("HTTP_HOOK_QUEUES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPHookQueues = n
		}
	}
	if v, ok := lookup("MEDIA_GATEWAY"); ok {
		cfg.MediaGateway = v
	}
	if v, ok := lookup("SDN_PEER_ID"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*sdnPeerID = n
		}
	}
	if v, ok := lookup("SDN_LISTENER"); ok {
		cfg.SDNListener = v
	}
	if v, ok := lookup("SDN_SEEDS"); ok {
		cfg.SDNSeeds = v
	}
	if v, ok := lookup("SDN_SECURE_CODE"); ok {
		cfg.SDNSecureCode = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = v
	}
}

// SlogHandler builds the process logger handler from LogFormat/LogLevel.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (c *Config) validate() error {
	if c.HTTPHookQueues < 1 {
		return fmt.Errorf("http-hook-queues must be at least 1, got %d", c.HTTPHookQueues)
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync-interval-ms must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
