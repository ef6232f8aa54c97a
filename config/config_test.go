package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestNewConfig_WithNilOverride tests that NewConfig creates a config with all default values
// when no override is provided.
func TestNewConfig_WithNilOverride(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(nil)

	require.NotNil(t, cfg)
	assert.Equal(t, createDefaultCfg(), cfg, "must use default values when no config provided")
	require.NoError(t, cfg.Validate())
}

func TestNewConfig_WithAllOverride(t *testing.T) {
	t.Parallel()

	override := createOverride()
	// hack for bad log verbosity vs internal log level pattern
	override.LogLvl = util.Pointer(TraceVerbose)
	cfg := NewConfig(override)

	expCfg := &Config{
		MountOptions: MountOptions{
			Debug:  true,
			FsName: "test_fs",
			Name:   "test_name",
		},
		LogLvl:          util.TraceLevel,
		Backend:         projectfs.BackendPointerTree,
		StoreKind:       StoreRedis,
		StoreName:       "test_store",
		RedisAddr:       "redis:6380",
		RedisPassword:   "pw",
		RedisDB:         2,
		MinioEndpoint:   "minio:9001",
		MinioBucket:     "test_bucket",
		MinioAccessKey:  "ak",
		MinioSecretKey:  "sk",
		MinioUseSSL:     true,
		NativeRoot:      "/srv/project",
		PollInterval:    DefaultPollInterval + 1,
		LocalWriteSlack: DefaultLocalWriteSlack + 1,
		WatchEvents:     true,
		RemoteURL:       "ws://remote:7420",
		ListenAddr:      "0.0.0.0:7421",
		LockTimeout:     DefaultLockTimeout + 1,
		LockRetry:       DefaultLockRetry + 1,
		LockQueueWarn:   DefaultLockQueueWarn + 1,
		PermissionPoll:  DefaultPermissionPoll + 1,
	}
	require.NotNil(t, cfg)
	assert.Equal(t, expCfg, cfg, "must override all provided fields")
}

func TestConfig_Merge_LogLvlConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		verboseValue  int
		expectedLevel util.LogLevel
	}{
		{"verbose_1_error", 1, util.ErrorLevel},
		{"verbose_2_warn", 2, util.WarnLevel},
		{"verbose_3_info", 3, util.InfoLevel},
		{"verbose_4_debug", 4, util.DebugLevel},
		{"verbose_5_trace", 5, util.TraceLevel},
		{"verbose_0_clamped_to_1", 0, util.ErrorLevel},     // clamped to 1
		{"verbose_100_clamped_to_5", 100, util.TraceLevel}, // clamped to 5
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			override := &ConfigOverride{
				LogLvl: &tt.verboseValue,
			}

			cfg := NewConfig(override)

			assert.Equal(t, tt.expectedLevel, cfg.LogLvl,
				"CLI verbose %d should map to util.LogLevel %v", tt.verboseValue, tt.expectedLevel)
		})
	}
}

func TestConfig_Merge_NilOverrideVals(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(&ConfigOverride{})

	require.NotNil(t, cfg)
	assert.Equal(t, createDefaultCfg(), cfg, "must use default values for nil override fields")
}

func TestConfig_Merge_PartialOverride(t *testing.T) {
	t.Parallel()

	override := &ConfigOverride{
		FsName:      util.Pointer("test_fs"),
		LockTimeout: util.Pointer(DefaultLockTimeout + 1),
	}
	cfg := NewConfig(override)

	expCfg := createDefaultCfg()
	expCfg.FsName = "test_fs"
	expCfg.LockTimeout = DefaultLockTimeout + 1

	require.NotNil(t, cfg)
	assert.Equal(t, expCfg, cfg, "must override all provided fields and leave rest default")
}

func TestConfig_Durations(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	assert.Equal(t, time.Second, cfg.PollIntervalDuration())
	assert.Equal(t, time.Second, cfg.LocalWriteSlackDuration())
	assert.Equal(t, time.Second, cfg.LockTimeoutDuration())
	assert.Equal(t, 10*time.Millisecond, cfg.LockRetryDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.PermissionPollDuration())

	cfg.PollInterval = 0
	assert.Zero(t, cfg.PollIntervalDuration(), "zero disables periodic polling")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Backend = "tape" }, false},
		{"pointer tree memory", func(c *Config) { c.Backend = projectfs.BackendPointerTree }, true},
		{"pointer tree unknown store", func(c *Config) {
			c.Backend = projectfs.BackendPointerTree
			c.StoreKind = "floppy"
		}, false},
		{"pointer tree no store name", func(c *Config) {
			c.Backend = projectfs.BackendPointerTree
			c.StoreName = ""
		}, false},
		{"native without root", func(c *Config) { c.Backend = projectfs.BackendNative }, false},
		{"native with root", func(c *Config) {
			c.Backend = projectfs.BackendNative
			c.NativeRoot = "/tmp"
		}, true},
		{"remote without url", func(c *Config) { c.Backend = projectfs.BackendRemote }, false},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestLoadConfigOverrideFile_Valid(t *testing.T) {
	t.Parallel()

	type tc struct {
		ext   string
		build func() (*ConfigOverride, []byte)
	}

	cases := []tc{
		{
			ext: ".yaml",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := yaml.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
		{
			ext: ".yml",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := yaml.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
		{
			ext: ".json",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := json.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
	}

	for _, c := range cases {
		name := "valid" + c.ext
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			override, data := c.build()
			dir := t.TempDir()
			path := filepath.Join(dir, "override"+c.ext)
			require.NoError(t, os.WriteFile(path, data, 0o600))

			loaded, err := LoadConfigOverrideFile(path)

			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, *override, *loaded)
		})
	}
}

func TestLoadConfigOverrideFile_HandWrittenYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "projectfs.yaml")
	data := []byte("backend: pointertree\nstore: redis\nredis_addr: cache:6379\nlock_timeout: 2.5\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, projectfs.BackendPointerTree, cfg.Backend)
	assert.Equal(t, StoreRedis, cfg.StoreKind)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.LockTimeoutDuration())
	assert.Equal(t, DefaultStoreName, cfg.StoreName)
}

// TestLoadConfigOverrideFile_NonExistentFile tests error handling
// when trying to load a file that doesn't exist.
func TestLoadConfigOverrideFile_NonExistentFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "does_not_exist.yaml")

	_, err := LoadConfigOverrideFile(path)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err), "expected not exist error, got %v", err)
}

// TestLoadConfigOverrideFile_UnsupportedExtension tests error handling
// for file extensions that aren't supported (.txt, .xml, etc).
func TestLoadConfigOverrideFile_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "override.txt")
	require.NoError(t, os.WriteFile(path, []byte("backend: memory"), 0o600))

	_, err := LoadConfigOverrideFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config file extension")
}

func TestNewConfigFromFile_FileError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.json")

	_, err := NewConfigFromFile(path)
	require.Error(t, err)
}

func createDefaultCfg() *Config {
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

// createOverride makes a ConfigOverride with all non-default values
func createOverride() *ConfigOverride {
	testLogVerbose := TraceVerbose
	if DefaultLogLvl == util.TraceLevel {
		testLogVerbose = DebugVerbose
	}
	return &ConfigOverride{
		FsName:          util.Pointer("test_fs"),
		Name:            util.Pointer("test_name"),
		Debug:           util.Pointer(true),
		LogLvl:          util.Pointer(testLogVerbose),
		Backend:         util.Pointer(projectfs.BackendPointerTree),
		StoreKind:       util.Pointer(StoreRedis),
		StoreName:       util.Pointer("test_store"),
		RedisAddr:       util.Pointer("redis:6380"),
		RedisPassword:   util.Pointer("pw"),
		RedisDB:         util.Pointer(2),
		MinioEndpoint:   util.Pointer("minio:9001"),
		MinioBucket:     util.Pointer("test_bucket"),
		MinioAccessKey:  util.Pointer("ak"),
		MinioSecretKey:  util.Pointer("sk"),
		MinioUseSSL:     util.Pointer(true),
		NativeRoot:      util.Pointer("/srv/project"),
		PollInterval:    util.Pointer(DefaultPollInterval + 1),
		LocalWriteSlack: util.Pointer(DefaultLocalWriteSlack + 1),
		WatchEvents:     util.Pointer(true),
		RemoteURL:       util.Pointer("ws://remote:7420"),
		ListenAddr:      util.Pointer("0.0.0.0:7421"),
		LockTimeout:     util.Pointer(DefaultLockTimeout + 1),
		LockRetry:       util.Pointer(DefaultLockRetry + 1),
		LockQueueWarn:   util.Pointer(DefaultLockQueueWarn + 1),
		PermissionPoll:  util.Pointer(DefaultPermissionPoll + 1),
	}
}
