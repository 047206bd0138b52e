package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	NodeID          string        // bus identity of this node, ex: "edge-1"
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Bus
	Bus                string        // "nats" | "memory"
	NATSURL            string        // ex: "nats://localhost:4222"
	NATSReconnectWait  time.Duration // wait between reconnects once connected
	NATSDrainTimeout   time.Duration // max time spent draining on shutdown
	NATSConnectTimeout time.Duration // total time to retry the first connect
	NATSRetryInterval  time.Duration // initial wait between retries
	NATSMaxWait        time.Duration // max wait between retries
	NATSAttemptTimeout time.Duration // timeout for each dial attempt
	NATSWarnThreshold  int           // warn after this many attempts
	MailboxSize        int           // per-subscription buffer of the memory bus

	// Store
	Store string // "redis" | "memory"

	// Redis
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	// Services
	PresenceTimeout   time.Duration // evict subscribers silent for longer than this
	SweepInterval     time.Duration // period of the presence sweeper
	HeartbeatInterval time.Duration // period of consumer heartbeats
	InboxSize         int           // per-service request buffer
	RelayHistory      int           // messages kept by relay services
	SeedFile          string        // optional services.yaml applied at startup (empty = disabled)
	ReloadInterval    time.Duration // interval to re-apply the seed file
	PluginDataDir     string        // root of plugin persistence paths
	Plugins           []string      // in-process plugins to run on this node (ex: "echo")

	// WebSocket
	WSBurst       int // connection attempts allowed per IP before limiting
	WSRefillPerIP int // connection attempts regained per IP per minute
	WSSendBuffer  int // frames buffered per connection

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict access to specific IP (e.g. "1.2.3.4, 5.6.7.8")
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		NodeID:          requireEnv("SYNC_NODE_ID"),
		ListenPort:      getenv("SYNC_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("SYNC_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("SYNC_LOG_LEVEL", "info"),
		PrettyLog: mustBool("SYNC_PRETTY_LOG", true),

		// Bus settings
		Bus:                mustOneOf("SYNC_BUS", "nats", "nats", "memory"),
		NATSURL:            getenv("SYNC_NATS_URL", "nats://localhost:4222"),
		NATSReconnectWait:  mustDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NATSDrainTimeout:   mustDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),
		NATSConnectTimeout: mustDuration("NATS_CONNECT_TIMEOUT", 30*time.Second),
		NATSRetryInterval:  mustDuration("NATS_RETRY_INTERVAL", 2*time.Second),
		NATSMaxWait:        mustDuration("NATS_MAX_WAIT", 10*time.Second),
		NATSAttemptTimeout: mustDuration("NATS_ATTEMPT_TIMEOUT", 5*time.Second),
		NATSWarnThreshold:  getenvInt("NATS_WARN_THRESHOLD", 3),
		MailboxSize:        getenvInt("SYNC_MAILBOX_SIZE", 1024),

		Store: mustOneOf("SYNC_STORE", "redis", "redis", "memory"),

		// Redis settings, only read by the redis store
		RedisUser:             getenv("SYNC_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("SYNC_REDIS_PASSWORD_REQUIRED", true),
		RedisPassword:         getenv("SYNC_REDIS_PASSWORD", ""),
		RedisDT:               mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Services
		PresenceTimeout:   mustDuration("SYNC_PRESENCE_TIMEOUT", 10*time.Minute),
		SweepInterval:     mustDuration("SYNC_SWEEP_INTERVAL", time.Minute),
		HeartbeatInterval: mustDuration("SYNC_HEARTBEAT_INTERVAL", time.Minute),
		InboxSize:         getenvInt("SYNC_INBOX_SIZE", 256),
		RelayHistory:      getenvInt("SYNC_RELAY_HISTORY", 100),
		SeedFile:          getenv("SYNC_SEED_FILE", ""),
		ReloadInterval:    mustDuration("SYNC_RELOAD_INTERVAL", time.Hour),
		PluginDataDir:     getenv("SYNC_PLUGIN_DATA_DIR", "/var/lib/servicesync/plugins"),
		Plugins:           splitAndTrim(getenv("SYNC_PLUGINS", "")),

		// WebSocket
		WSBurst:       getenvInt("SYNC_WS_BURST", 20),
		WSRefillPerIP: getenvInt("SYNC_WS_REFILL_PER_MIN", 60),
		WSSendBuffer:  getenvInt("SYNC_WS_SEND_BUFFER", 64),

		// Access restrictions
		AllowedHosts: requireEnvSlice("SYNC_ALLOWED_HOSTS"),
		AllowedCIDRS: parseAllowedIPs(getenv("SYNC_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("SYNC_TRUST_PROXY", true),
	}

	if cfg.Store == "redis" {
		cfg.RedisAddr = requireEnv("SYNC_REDIS_ADDR")
		cfg.RedisDB = requireEnvInt("SYNC_REDIS_DB")

		// Validate Redis password configuration
		if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
			panic("❌ FATAL: SYNC_REDIS_PASSWORD is required when SYNC_REDIS_PASSWORD_REQUIRED=true")
		}
	}

	if cfg.SweepInterval > cfg.PresenceTimeout {
		panic(fmt.Sprintf("❌ FATAL: SYNC_SWEEP_INTERVAL (%s) must not exceed SYNC_PRESENCE_TIMEOUT (%s)",
			cfg.SweepInterval, cfg.PresenceTimeout))
	}
	if cfg.HeartbeatInterval >= cfg.PresenceTimeout {
		panic(fmt.Sprintf("❌ FATAL: SYNC_HEARTBEAT_INTERVAL (%s) must be shorter than SYNC_PRESENCE_TIMEOUT (%s)",
			cfg.HeartbeatInterval, cfg.PresenceTimeout))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func requireEnvSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return splitAndTrim(v)
}

// mustOneOf returns the value of key (def when unset) and panics when it is
// not one of allowed.
func mustOneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(getenv(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	panic(fmt.Sprintf("❌ FATAL: Invalid value for %s: %q (allowed: %s)", key, v, strings.Join(allowed, ", ")))
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
