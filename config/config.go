package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"gopkg.in/yaml.v3"
)

// StoreKind selects the key-value store behind the pointer tree backend.
type StoreKind = string

const (
	StoreMemory StoreKind = "memory"
	StoreRedis  StoreKind = "redis"
	StoreMinio  StoreKind = "minio"
)

// CLI verbosity values for LogLvl overrides
const (
	ErrorVerbose = 1
	WarnVerbose  = 2
	InfoVerbose  = 3
	DebugVerbose = 4
	TraceVerbose = 5
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultLogLvl    = util.InfoLevel
	DefaultBackend   = projectfs.BackendMemory
	DefaultStoreKind = StoreMemory
	DefaultStoreName = "projectfs"

	DefaultRedisAddr = "localhost:6379"
	DefaultRedisDB   = 0

	DefaultMinioEndpoint = "localhost:9000"
	DefaultMinioBucket   = "projectfs"
	DefaultMinioUseSSL   = false

	// DefaultPollInterval is the native backend's external change poll interval in seconds
	DefaultPollInterval = 1.0
	// DefaultLocalWriteSlack is how far ahead (seconds) a local write pre-seeds
	// the shadow timestamp before the real mtime is known
	DefaultLocalWriteSlack = 1.0
	DefaultWatchEvents     = false

	DefaultListenAddr = "127.0.0.1:7420"

	// DefaultLockTimeout is the age (seconds) after which a held advisory lock is
	// considered abandoned
	DefaultLockTimeout = 1.0
	// DefaultLockRetry is the delay (seconds) between lock acquisition attempts
	DefaultLockRetry = 0.01
	// DefaultLockQueueWarn is the local waiter count above which a warning is logged
	DefaultLockQueueWarn = 10

	// DefaultPermissionPoll is how often (seconds) WaitForPermission re-checks
	DefaultPermissionPoll = 0.5

	DefaultFsName = "projectfs"
	DefaultName   = "projectfs"
)

// Config contains runtime configuration values for a project file system.
type Config struct {
	MountOptions
	LogLvl    util.LogLevel         // Log level (Default info)
	Backend   projectfs.BackendKind // Storage backend (Default memory)
	StoreKind StoreKind             // Pointer tree store (Default memory)
	StoreName string                // Namespace of the persisted store; instances sharing it share data

	RedisAddr     string // Redis address for the redis store
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string // MinIO/S3 endpoint for the minio store
	MinioBucket    string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	NativeRoot      string  // Directory served by the native backend
	PollInterval    float64 // Native external change poll interval in seconds; 0 disables periodic polling
	LocalWriteSlack float64 // Native shadow pre-seed offset in seconds
	WatchEvents     bool    // Use fsnotify to trigger native polls

	RemoteURL  string // websocket URL of the remote backend server
	ListenAddr string // address the CLI serves the remote protocol on

	LockTimeout   float64 // Advisory lock staleness threshold in seconds
	LockRetry     float64 // Delay between advisory lock attempts in seconds
	LockQueueWarn int     // Local lock queue length that triggers a warning

	PermissionPoll float64 // WaitForPermission re-check interval in seconds
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	FsName *string `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name   *string `yaml:"name,omitempty" json:"name,omitempty"`
	Debug  *bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
	// LogLvl is a CLI style verbosity between 1 (error) and 5 (trace)
	LogLvl    *int                   `yaml:"verbose,omitempty" json:"verbose,omitempty"`
	Backend   *projectfs.BackendKind `yaml:"backend,omitempty" json:"backend,omitempty"`
	StoreKind *StoreKind             `yaml:"store,omitempty" json:"store,omitempty"`
	StoreName *string                `yaml:"store_name,omitempty" json:"store_name,omitempty"`

	RedisAddr     *string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword *string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       *int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`

	MinioEndpoint  *string `yaml:"minio_endpoint,omitempty" json:"minio_endpoint,omitempty"`
	MinioBucket    *string `yaml:"minio_bucket,omitempty" json:"minio_bucket,omitempty"`
	MinioAccessKey *string `yaml:"minio_access_key,omitempty" json:"minio_access_key,omitempty"`
	MinioSecretKey *string `yaml:"minio_secret_key,omitempty" json:"minio_secret_key,omitempty"`
	MinioUseSSL    *bool   `yaml:"minio_use_ssl,omitempty" json:"minio_use_ssl,omitempty"`

	NativeRoot      *string  `yaml:"native_root,omitempty" json:"native_root,omitempty"`
	PollInterval    *float64 `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	LocalWriteSlack *float64 `yaml:"local_write_slack,omitempty" json:"local_write_slack,omitempty"`
	WatchEvents     *bool    `yaml:"watch_events,omitempty" json:"watch_events,omitempty"`

	RemoteURL  *string `yaml:"remote_url,omitempty" json:"remote_url,omitempty"`
	ListenAddr *string `yaml:"listen_addr,omitempty" json:"listen_addr,omitempty"`

	LockTimeout   *float64 `yaml:"lock_timeout,omitempty" json:"lock_timeout,omitempty"`
	LockRetry     *float64 `yaml:"lock_retry,omitempty" json:"lock_retry,omitempty"`
	LockQueueWarn *int     `yaml:"lock_queue_warn,omitempty" json:"lock_queue_warn,omitempty"`

	PermissionPoll *float64 `yaml:"permission_poll,omitempty" json:"permission_poll,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:          DefaultLogLvl,
		Backend:         DefaultBackend,
		StoreKind:       DefaultStoreKind,
		StoreName:       DefaultStoreName,
		RedisAddr:       DefaultRedisAddr,
		RedisDB:         DefaultRedisDB,
		MinioEndpoint:   DefaultMinioEndpoint,
		MinioBucket:     DefaultMinioBucket,
		MinioUseSSL:     DefaultMinioUseSSL,
		PollInterval:    DefaultPollInterval,
		LocalWriteSlack: DefaultLocalWriteSlack,
		WatchEvents:     DefaultWatchEvents,
		ListenAddr:      DefaultListenAddr,
		LockTimeout:     DefaultLockTimeout,
		LockRetry:       DefaultLockRetry,
		LockQueueWarn:   DefaultLockQueueWarn,
		PermissionPoll:  DefaultPermissionPoll,
	}
}

// NewConfig creates a Config from defaults with override applied on top.
// A nil override yields the defaults.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.FsName != nil {
		c.FsName = *override.FsName
	}
	if override.Name != nil {
		c.Name = *override.Name
	}
	if override.Debug != nil {
		c.Debug = *override.Debug
	}
	if override.LogLvl != nil {
		c.LogLvl = util.LevelFromVerbosity(*override.LogLvl)
	}
	if override.Backend != nil {
		c.Backend = *override.Backend
	}
	if override.StoreKind != nil {
		c.StoreKind = *override.StoreKind
	}
	if override.StoreName != nil {
		c.StoreName = *override.StoreName
	}
	if override.RedisAddr != nil {
		c.RedisAddr = *override.RedisAddr
	}
	if override.RedisPassword != nil {
		c.RedisPassword = *override.RedisPassword
	}
	if override.RedisDB != nil {
		c.RedisDB = *override.RedisDB
	}
	if override.MinioEndpoint != nil {
		c.MinioEndpoint = *override.MinioEndpoint
	}
	if override.MinioBucket != nil {
		c.MinioBucket = *override.MinioBucket
	}
	if override.MinioAccessKey != nil {
		c.MinioAccessKey = *override.MinioAccessKey
	}
	if override.MinioSecretKey != nil {
		c.MinioSecretKey = *override.MinioSecretKey
	}
	if override.MinioUseSSL != nil {
		c.MinioUseSSL = *override.MinioUseSSL
	}
	if override.NativeRoot != nil {
		c.NativeRoot = *override.NativeRoot
	}
	if override.PollInterval != nil {
		c.PollInterval = *override.PollInterval
	}
	if override.LocalWriteSlack != nil {
		c.LocalWriteSlack = *override.LocalWriteSlack
	}
	if override.WatchEvents != nil {
		c.WatchEvents = *override.WatchEvents
	}
	if override.RemoteURL != nil {
		c.RemoteURL = *override.RemoteURL
	}
	if override.ListenAddr != nil {
		c.ListenAddr = *override.ListenAddr
	}
	if override.LockTimeout != nil {
		c.LockTimeout = *override.LockTimeout
	}
	if override.LockRetry != nil {
		c.LockRetry = *override.LockRetry
	}
	if override.LockQueueWarn != nil {
		c.LockQueueWarn = *override.LockQueueWarn
	}
	if override.PermissionPoll != nil {
		c.PermissionPoll = *override.PermissionPoll
	}
}

// Validate checks the combination of backend specific settings.
func (c *Config) Validate() error {
	if !c.Backend.Valid() {
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}
	switch c.Backend {
	case projectfs.BackendPointerTree:
		switch c.StoreKind {
		case StoreMemory, StoreRedis, StoreMinio:
		default:
			return fmt.Errorf("unknown store: %q", c.StoreKind)
		}
		if c.StoreName == "" {
			return fmt.Errorf("store name is required for the %s backend", c.Backend)
		}
	case projectfs.BackendNative:
		if c.NativeRoot == "" {
			return fmt.Errorf("native root is required for the %s backend", c.Backend)
		}
	case projectfs.BackendRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("remote url is required for the %s backend", c.Backend)
		}
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %v", c.LockTimeout)
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
