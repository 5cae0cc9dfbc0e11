// Package config provides configuration management for the DSS edge recording core.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the root DSS configuration: one archive, one camera stream, the
// supervisor plane tuning, and the message channel / diagnostics endpoints.
type Config struct {
	Version    string           `yaml:"version"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Stream     StreamConfig     `yaml:"stream"`
	Recording  RecordingConfig  `yaml:"recording"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Channel    ChannelConfig    `yaml:"channel"`
	Diag       DiagConfig       `yaml:"diag"`
	Motion     MotionConfig     `yaml:"motion"`
	Logging    LoggingConfig    `yaml:"logging"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// ArchiveConfig locates the on-disk archive root (segments/, index.db, ai.db).
type ArchiveConfig struct {
	Root string `yaml:"root"`
}

// StreamConfig describes the single RTSP source this process records.
type StreamConfig struct {
	CameraID string `yaml:"camera_id"`
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// RecordingConfig tunes the Recorder Pipeline.
type RecordingConfig struct {
	SegmentDurationSeconds int    `yaml:"segment_duration_seconds"`
	HeartbeatPath          string `yaml:"heartbeat_path"`
	HeartbeatEveryPackets  int    `yaml:"heartbeat_every_packets"`
}

// HeartbeatConfig tunes the system Heartbeat Daemon.
type HeartbeatConfig struct {
	IntervalSeconds   int    `yaml:"interval_seconds"`
	SnapshotPath      string `yaml:"snapshot_path"`
	DiskPath          string `yaml:"disk_path"`
	OrchestratorPID   string `yaml:"orchestrator_pid_file"`
	OrchestratorMatch string `yaml:"orchestrator_cmdline_substring"`
}

// SupervisorConfig tunes the Supervisor's tick loop and anti-flap policy.
type SupervisorConfig struct {
	TickSeconds            int    `yaml:"tick_seconds"`
	SnapshotStaleSeconds   int    `yaml:"snapshot_stale_seconds"`
	MinUptimeSeconds       int    `yaml:"min_uptime_seconds"`
	MaxRestartsPerWindow   int    `yaml:"max_restarts_per_window"`
	RestartWindowSeconds   int    `yaml:"restart_window_seconds"`
	FlapCooldownSeconds    int    `yaml:"flap_cooldown_seconds"`
	RestartCounterResetSec int    `yaml:"restart_counter_reset_seconds"`
	StopGraceSeconds       int    `yaml:"stop_grace_seconds"`
	LogPath                string `yaml:"log_path"`

	RecorderHeartbeatPath         string `yaml:"recorder_heartbeat_path"`
	RecorderHeartbeatStaleSeconds int    `yaml:"recorder_heartbeat_stale_seconds"`
}

// ChannelConfig points at the embedded/external NATS message channel.
type ChannelConfig struct {
	URL              string `yaml:"url"`
	Embed            bool   `yaml:"embed"`
	DiskUsageKey     string `yaml:"disk_usage_key"`
	RetentionSubject string `yaml:"retention_subject"`
}

// DiagConfig controls the chi-based read-only diagnostics HTTP surface.
type DiagConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MotionConfig holds the defaults handed to the Motion FFI surface's create().
type MotionConfig struct {
	MinAreaRatio      float64 `yaml:"min_area_ratio"`
	MinFrames         int     `yaml:"min_frames"`
	MaxStaticVariance float64 `yaml:"max_static_variance"`
}

// LoggingConfig controls the slog handler used by every cmd/ entrypoint.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns a Config populated with the out-of-box values each
// subsystem falls back to when no file is loaded.
func Default() *Config {
	return &Config{
		Version: "1",
		Archive: ArchiveConfig{Root: "/var/lib/dss"},
		Recording: RecordingConfig{
			SegmentDurationSeconds: 2,
			HeartbeatPath:          "/tmp/dss-recorder.hb",
			HeartbeatEveryPackets:  100,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:   2,
			SnapshotPath:      "/tmp/dss-system.hb",
			DiskPath:          "/var/lib/dss",
			OrchestratorPID:   "/run/dss/orchestrator.pid",
			OrchestratorMatch: "orchestrator",
		},
		Supervisor: SupervisorConfig{
			TickSeconds:            5,
			SnapshotStaleSeconds:   30,
			MinUptimeSeconds:       60,
			MaxRestartsPerWindow:   3,
			RestartWindowSeconds:   60,
			FlapCooldownSeconds:    30,
			RestartCounterResetSec: 300,
			StopGraceSeconds:       2,
			LogPath:                "/var/log/dss-supervisor.log",

			RecorderHeartbeatPath:         "/tmp/dss-recorder.hb",
			RecorderHeartbeatStaleSeconds: 31,
		},
		Channel: ChannelConfig{
			Embed:            true,
			URL:              "nats://127.0.0.1:4222",
			DiskUsageKey:     "hb:disk_usage",
			RetentionSubject: "state:retention:trigger",
		},
		Diag: DiagConfig{Enabled: true, Addr: "127.0.0.1:8088"},
		Motion: MotionConfig{
			MinAreaRatio:      0.01,
			MinFrames:         5,
			MaxStaticVariance: 2.0,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, decrypts and defaults a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = encryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration back to disk atomically (tmp + rename).
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := Config{
		Version:    c.Version,
		Archive:    c.Archive,
		Stream:     c.Stream,
		Recording:  c.Recording,
		Heartbeat:  c.Heartbeat,
		Supervisor: c.Supervisor,
		Channel:    c.Channel,
		Diag:       c.Diag,
		Motion:     c.Motion,
		Logging:    c.Logging,
		encKey:     c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# DSS configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch hot-reloads the config on writes to its file. None of the cmd/
// entrypoints call it, so a running process keeps the values it loaded at
// startup.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked after each successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Archive = newCfg.Archive
	c.Stream = newCfg.Stream
	c.Recording = newCfg.Recording
	c.Heartbeat = newCfg.Heartbeat
	c.Supervisor = newCfg.Supervisor
	c.Channel = newCfg.Channel
	c.Diag = newCfg.Diag
	c.Motion = newCfg.Motion
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")
	for _, fn := range watchers {
		fn(c)
	}
}

// SnapshotStream returns a copy of the stream config, safe to pass to goroutines.
func (c *Config) SnapshotStream() StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Stream
}

// RedactedURL returns the RTSP URL with embedded credentials masked.
func (s StreamConfig) RedactedURL() string {
	return redactCredentials(s.URL)
}

func redactCredentials(u string) string {
	for _, proto := range []string{"rtsp://", "rtsps://"} {
		if strings.HasPrefix(u, proto) {
			rest := strings.TrimPrefix(u, proto)
			if at := strings.Index(rest, "@"); at != -1 {
				return proto + "***:***@" + rest[at+1:]
			}
		}
	}
	return u
}

func (c *Config) encryptSecrets() error {
	if c.Stream.Password != "" && !strings.HasPrefix(c.Stream.Password, "encrypted:") {
		encrypted, err := encrypt(c.encKey, c.Stream.Password)
		if err != nil {
			return err
		}
		c.Stream.Password = "encrypted:" + encrypted
	}
	return nil
}

func (c *Config) decryptSecrets() error {
	if strings.HasPrefix(c.Stream.Password, "encrypted:") {
		encrypted := strings.TrimPrefix(c.Stream.Password, "encrypted:")
		decrypted, err := decrypt(c.encKey, encrypted)
		if err != nil {
			return err
		}
		c.Stream.Password = decrypted
	}
	return nil
}

// encryptionKey reads DSS_ENCRYPTION_KEY (32 bytes, base64) or generates an
// ephemeral process-local key, logging a warning: secrets saved under an
// ephemeral key cannot be decrypted by a later process.
func encryptionKey() []byte {
	if keyStr := os.Getenv("DSS_ENCRYPTION_KEY"); keyStr != "" {
		if key, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(key) == 32 {
			return key
		}
		slog.Warn("DSS_ENCRYPTION_KEY is set but is not valid base64-encoded 32 bytes; ignoring")
	}

	ephemeralKeyOnce.Do(func() {
		slog.Warn("DSS_ENCRYPTION_KEY not set; generating an ephemeral encryption key for this process")
		ephemeralKey = make([]byte, 32)
		if _, err := rand.Read(ephemeralKey); err != nil {
			panic("config: failed to generate encryption key: " + err.Error())
		}
	})
	return ephemeralKey
}

var (
	ephemeralKeyOnce sync.Once
	ephemeralKey     []byte
)

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
