// Package config loads the dispatcher's configuration from a YAML file
// with environment-variable overrides, matching the teacher's singleton
// load-then-override pattern.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the dispatcher's full runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pool       PoolConfig       `yaml:"pool"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Decrypt    DecryptConfig    `yaml:"decrypt"`
	Redis      RedisConfig      `yaml:"redis"`
	Identity   IdentityConfig   `yaml:"identity"`
	Audit      AuditConfig      `yaml:"audit"`
	Admin      AdminConfig      `yaml:"admin"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
}

// ServerConfig covers process-level settings.
type ServerConfig struct {
	Env             string `yaml:"env"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// PoolConfig configures the executor pool.
type PoolConfig struct {
	Capacity       int    `yaml:"capacity"`
	MinIdle        int    `yaml:"min_idle"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxRuntime string `yaml:"sandbox_runtime"` // "runsc" for gVisor, "" otherwise
}

// DispatchConfig configures the central dispatcher's race.
type DispatchConfig struct {
	ExecutionTimeoutSec int  `yaml:"execution_timeout_sec"` // 0 disables the timeout leg
	SubjectHasPrefix    bool `yaml:"subject_has_prefix"`
}

// Timeout returns the execution timeout as a time.Duration.
func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.ExecutionTimeoutSec) * time.Second
}

// PubSubConfig configures the inbound subscription and outbound reply topic.
type PubSubConfig struct {
	ProjectID      string `yaml:"project_id"`
	SubscriptionID string `yaml:"subscription_id"`
	ReplyTopicID   string `yaml:"reply_topic_id"`
}

// DecryptConfig holds the service's base64-encoded X25519 key pair.
type DecryptConfig struct {
	PublicKeyBase64  string `yaml:"public_key_base64"`
	PrivateKeyBase64 string `yaml:"private_key_base64"`
}

// KeyPair decodes the configured base64 keys into fixed-size arrays
// suitable for golang.org/x/crypto/nacl/box.
func (d DecryptConfig) KeyPair() (publicKey, privateKey *[32]byte, err error) {
	pub, err := base64.StdEncoding.DecodeString(d.PublicKeyBase64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(d.PrivateKeyBase64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != 32 || len(priv) != 32 {
		return nil, nil, fmt.Errorf("decrypt keys must be 32 bytes, got public=%d private=%d", len(pub), len(priv))
	}
	var pubArr, privArr [32]byte
	copy(pubArr[:], pub)
	copy(privArr[:], priv)
	return &pubArr, &privArr, nil
}

// RedisConfig configures the optional distributed kill-registry backend.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// IdentityConfig configures the optional SPIFFE identity check.
type IdentityConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TrustDomain string `yaml:"trust_domain"`
	SocketPath string `yaml:"socket_path"`
}

// AuditConfig configures the narrow Postgres audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// AdminConfig configures the peripheral admin HTTP surface.
type AdminConfig struct {
	Addr               string   `yaml:"addr"`
	DebugStreamEnabled bool     `yaml:"debug_stream_enabled"`
	CORSAllowOrigins   []string `yaml:"cors_allow_origins"`
}

// CloudTasksConfig configures the optional kill-after-grace-period
// scheduler: a kill request carrying a grace period is enqueued as a
// Cloud Task that calls back into CallbackBaseURL once it elapses,
// instead of firing the kill immediately.
type CloudTasksConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	LocationID      string `yaml:"location_id"`
	QueueID         string `yaml:"queue_id"`
	CallbackBaseURL string `yaml:"callback_base_url"` // this process's own admin address, e.g. https://dispatcher.internal:8090/internal/kill
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading it on first
// call from CONFIG_PATH (default "config.yaml") and applying environment
// overrides.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("DISPATCHER_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	if v := getEnvInt("POOL_CAPACITY", 0); v > 0 {
		c.Pool.Capacity = v
	}
	if v := getEnvInt("POOL_MIN_IDLE", 0); v > 0 {
		c.Pool.MinIdle = v
	}
	c.Pool.SandboxImage = getEnv("SANDBOX_IMAGE", c.Pool.SandboxImage)
	c.Pool.SandboxRuntime = getEnv("SANDBOX_RUNTIME", c.Pool.SandboxRuntime)

	if v := getEnvInt("EXECUTION_TIMEOUT_SEC", -1); v >= 0 {
		c.Dispatch.ExecutionTimeoutSec = v
	}
	c.Dispatch.SubjectHasPrefix = getEnvBool("SUBJECT_HAS_PREFIX", c.Dispatch.SubjectHasPrefix)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.SubscriptionID = getEnv("PUBSUB_SUBSCRIPTION_ID", c.PubSub.SubscriptionID)
	c.PubSub.ReplyTopicID = getEnv("PUBSUB_REPLY_TOPIC_ID", c.PubSub.ReplyTopicID)

	c.Decrypt.PublicKeyBase64 = getEnv("DECRYPT_PUBLIC_KEY_BASE64", c.Decrypt.PublicKeyBase64)
	c.Decrypt.PrivateKeyBase64 = getEnv("DECRYPT_PRIVATE_KEY_BASE64", c.Decrypt.PrivateKeyBase64)

	c.Redis.Enabled = getEnvBool("REDIS_KILLREG_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)

	c.Identity.Enabled = getEnvBool("SPIFFE_ENABLED", c.Identity.Enabled)
	c.Identity.TrustDomain = getEnv("SPIFFE_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.SocketPath = getEnv("SPIFFE_SOCKET_PATH", c.Identity.SocketPath)

	c.Audit.Enabled = getEnvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.DSN = getEnv("AUDIT_DSN", c.Audit.DSN)

	c.Admin.Addr = getEnv("ADMIN_ADDR", c.Admin.Addr)
	c.Admin.DebugStreamEnabled = getEnvBool("ADMIN_DEBUG_STREAM_ENABLED", c.Admin.DebugStreamEnabled)
	if origins := getEnv("ADMIN_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Admin.CORSAllowOrigins = splitCSV(origins)
	}

	c.CloudTasks.Enabled = getEnvBool("CLOUDTASKS_KILL_ENABLED", c.CloudTasks.Enabled)
	c.CloudTasks.ProjectID = getEnv("CLOUDTASKS_PROJECT_ID", c.CloudTasks.ProjectID)
	c.CloudTasks.LocationID = getEnv("CLOUDTASKS_LOCATION_ID", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUDTASKS_QUEUE_ID", c.CloudTasks.QueueID)
	c.CloudTasks.CallbackBaseURL = getEnv("CLOUDTASKS_CALLBACK_BASE_URL", c.CloudTasks.CallbackBaseURL)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// splitCSV is used by config consumers that accept comma-separated lists
// (e.g. admin CORS origins).
func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
