// Package config loads and validates relay configuration from the
// environment, and exposes the few runtime-tunable knobs control loops and
// handlers read on every tick/request.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all relay configuration. Mutable fields are protected by an
// RWMutex and must be accessed via getter/setter methods, since control-loop
// goroutines read them while admin HTTP handlers may write them.
type Config struct {
	Port string

	// StorageBackend selects the Store implementation: "memory" or "bolt".
	StorageBackend string
	DBPath         string

	// SeedFile, if set, names a YAML file of agents/groups to pre-provision
	// on a fresh store at startup (§6.5 supplement: bootstrap a deployment
	// without round-tripping through the registration HTTP surface).
	SeedFile string

	APIKeyRequired        bool
	MasterAPIKey          string
	RequireHTTPSignatures bool

	// AllowAPIKeyFallback is the opt-in flag for falling back from an invalid
	// Signature header to API-key auth. Default false. It is loaded, shown by
	// /admin/config and read by Authenticator.AllowFallbackToAPIKey (which
	// logs each call), but no HTTP route calls that method: a request with an
	// invalid Signature is rejected whatever this flag is set to.
	AllowAPIKeyFallback bool

	RegistrationPolicy string // "open" or "approval_required"

	MaxMessageSizeKB    int
	MaxMessagesPerAgent int

	LogJSON bool

	// mu protects the mutable runtime fields below: control loops and
	// handlers run in different goroutines and both touch these.
	mu                      sync.RWMutex
	heartbeatInterval       time.Duration
	heartbeatTimeout        time.Duration
	messageTTL              time.Duration
	cleanupInterval         time.Duration
	leaseReclaimInterval    time.Duration
	defaultVisibilityTimeout time.Duration
}

// NewTestConfig returns sensible defaults for tests. Use the setters to
// override specific values.
func NewTestConfig() *Config {
	return &Config{
		Port:                    "8080",
		StorageBackend:          "memory",
		RegistrationPolicy:      "approval_required",
		MaxMessageSizeKB:        256,
		MaxMessagesPerAgent:     10000,
		heartbeatInterval:       30 * time.Second,
		heartbeatTimeout:        60 * time.Second,
		messageTTL:              24 * time.Hour,
		cleanupInterval:         60 * time.Second,
		leaseReclaimInterval:    30 * time.Second,
		defaultVisibilityTimeout: 30 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:                  envStr("PORT", "8080"),
		StorageBackend:        envStr("STORAGE_BACKEND", "memory"),
		DBPath:                envStr("ADMP_DB_PATH", "/data/admp.db"),
		SeedFile:              envStr("ADMP_SEED_FILE", ""),
		APIKeyRequired:        envBool("API_KEY_REQUIRED", false),
		MasterAPIKey:          envStr("MASTER_API_KEY", ""),
		RequireHTTPSignatures: envBool("REQUIRE_HTTP_SIGNATURES", false),
		AllowAPIKeyFallback:   envBool("ADMP_ALLOW_API_KEY_FALLBACK", false),
		RegistrationPolicy:    envStr("REGISTRATION_POLICY", "approval_required"),
		MaxMessageSizeKB:      envInt("MAX_MESSAGE_SIZE_KB", 256),
		MaxMessagesPerAgent:   envInt("MAX_MESSAGES_PER_AGENT", 10000),
		LogJSON:               envBool("ADMP_LOG_JSON", true),

		heartbeatInterval:       envDurationMS("HEARTBEAT_INTERVAL_MS", 30*time.Second),
		heartbeatTimeout:        envDurationMS("HEARTBEAT_TIMEOUT_MS", 60*time.Second),
		messageTTL:              envDurationSec("MESSAGE_TTL_SEC", 24*time.Hour),
		cleanupInterval:         envDurationMS("CLEANUP_INTERVAL_MS", 60*time.Second),
		leaseReclaimInterval:    envDurationSec("LEASE_RECLAIM_INTERVAL_SEC", 30*time.Second),
		defaultVisibilityTimeout: 30 * time.Second,
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("PORT must not be empty"))
	}
	switch c.StorageBackend {
	case "memory", "bolt":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be memory or bolt, got %q", c.StorageBackend))
	}
	if c.StorageBackend == "bolt" && c.DBPath == "" {
		errs = append(errs, fmt.Errorf("ADMP_DB_PATH is required when STORAGE_BACKEND=bolt"))
	}
	if c.APIKeyRequired && c.MasterAPIKey == "" {
		errs = append(errs, fmt.Errorf("MASTER_API_KEY is required when API_KEY_REQUIRED=true"))
	}
	switch c.RegistrationPolicy {
	case "open", "approval_required":
	default:
		errs = append(errs, fmt.Errorf("REGISTRATION_POLICY must be open or approval_required, got %q", c.RegistrationPolicy))
	}
	if c.MaxMessageSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE_KB must be > 0, got %d", c.MaxMessageSizeKB))
	}
	if c.MaxMessagesPerAgent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGES_PER_AGENT must be > 0, got %d", c.MaxMessagesPerAgent))
	}

	c.mu.RLock()
	ht, hto, ttl, ci, lri := c.heartbeatInterval, c.heartbeatTimeout, c.messageTTL, c.cleanupInterval, c.leaseReclaimInterval
	c.mu.RUnlock()
	if ht <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL_MS must be > 0, got %s", ht))
	}
	if hto <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT_MS must be > 0, got %s", hto))
	}
	if ttl <= 0 {
		errs = append(errs, fmt.Errorf("MESSAGE_TTL_SEC must be > 0, got %s", ttl))
	}
	if ci <= 0 {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL_MS must be > 0, got %s", ci))
	}
	if lri <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_RECLAIM_INTERVAL_SEC must be > 0, got %s", lri))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, with
// secrets redacted. Backs the GET /admin/config endpoint.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"PORT":                        c.Port,
		"STORAGE_BACKEND":             c.StorageBackend,
		"API_KEY_REQUIRED":            fmt.Sprintf("%t", c.APIKeyRequired),
		"MASTER_API_KEY":              redactSecret(c.MasterAPIKey),
		"REQUIRE_HTTP_SIGNATURES":     fmt.Sprintf("%t", c.RequireHTTPSignatures),
		"ADMP_ALLOW_API_KEY_FALLBACK": fmt.Sprintf("%t", c.AllowAPIKeyFallback),
		"REGISTRATION_POLICY":         c.RegistrationPolicy,
		"MAX_MESSAGE_SIZE_KB":         fmt.Sprintf("%d", c.MaxMessageSizeKB),
		"MAX_MESSAGES_PER_AGENT":      fmt.Sprintf("%d", c.MaxMessagesPerAgent),
		"HEARTBEAT_INTERVAL_MS":       c.HeartbeatInterval().String(),
		"HEARTBEAT_TIMEOUT_MS":        c.HeartbeatTimeout().String(),
		"MESSAGE_TTL_SEC":             c.MessageTTL().String(),
		"CLEANUP_INTERVAL_MS":         c.CleanupInterval().String(),
		"LEASE_RECLAIM_INTERVAL_SEC":  c.LeaseReclaimInterval().String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envDurationSec(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(s) * time.Second
}

func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// HeartbeatInterval returns how often agents are expected to heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatInterval
}

// SetHeartbeatInterval updates the heartbeat interval at runtime.
func (c *Config) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	c.heartbeatInterval = d
	c.mu.Unlock()
}

// HeartbeatTimeout returns how long without a heartbeat before an agent is offline.
func (c *Config) HeartbeatTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatTimeout
}

// SetHeartbeatTimeout updates the heartbeat timeout at runtime.
func (c *Config) SetHeartbeatTimeout(d time.Duration) {
	c.mu.Lock()
	c.heartbeatTimeout = d
	c.mu.Unlock()
}

// MessageTTL returns the default per-message TTL applied when a send omits ttl_sec.
func (c *Config) MessageTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageTTL
}

// SetMessageTTL updates the default message TTL at runtime.
func (c *Config) SetMessageTTL(d time.Duration) {
	c.mu.Lock()
	c.messageTTL = d
	c.mu.Unlock()
}

// CleanupInterval returns the TTL-sweep loop cadence.
func (c *Config) CleanupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleanupInterval
}

// SetCleanupInterval updates the TTL-sweep cadence at runtime.
func (c *Config) SetCleanupInterval(d time.Duration) {
	c.mu.Lock()
	c.cleanupInterval = d
	c.mu.Unlock()
}

// LeaseReclaimInterval returns the lease-reclaim loop cadence.
func (c *Config) LeaseReclaimInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaseReclaimInterval
}

// SetLeaseReclaimInterval updates the lease-reclaim cadence at runtime.
func (c *Config) SetLeaseReclaimInterval(d time.Duration) {
	c.mu.Lock()
	c.leaseReclaimInterval = d
	c.mu.Unlock()
}

// DefaultVisibilityTimeout returns the pull visibility timeout used when a
// caller omits one. lifecycle.Pull rejects timeouts outside [1s, 1h] (§4.4.2).
func (c *Config) DefaultVisibilityTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultVisibilityTimeout
}
