package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Feed identifies one podcast feed to sync.
type Feed struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Storage selects and configures the artifact store backend.
type Storage struct {
	Backend   string `toml:"backend"` // "local" or "remote"
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Qdrant contains vector index connection settings.
type Qdrant struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	APIKey     string `toml:"api_key"`
	UseTLS     bool   `toml:"use_tls"`
	Collection string `toml:"collection"`
}

// Transcriber contains settings for the transcription service.
type Transcriber struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// SpeakerLLM contains settings for the speaker-mapping model call.
type SpeakerLLM struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Embedding contains settings for the embedding model and chunking policy.
// MaxTokens and OverlapPercent participate in cache keys: changing either
// invalidates previously written embedding caches by convention.
type Embedding struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	Dimension      int     `toml:"dimension"`
	MaxTokens      int     `toml:"max_tokens"`
	OverlapPercent float64 `toml:"overlap_percent"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// Workflow contains orchestrator tuning.
type Workflow struct {
	Workers             int   `toml:"workers"`
	StageTimeoutSeconds int   `toml:"stage_timeout_seconds"`
	DownloadRetries     int   `toml:"download_retries"`
	MinAudioBytes       int64 `toml:"min_audio_bytes"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete application configuration. It is constructed once
// and passed by reference; nothing mutates it after Load.
type Config struct {
	Feeds       []Feed      `toml:"feeds"`
	Paths       Paths       `toml:"paths"`
	Storage     Storage     `toml:"storage"`
	Qdrant      Qdrant      `toml:"qdrant"`
	Transcriber Transcriber `toml:"transcriber"`
	SpeakerLLM  SpeakerLLM  `toml:"speaker_llm"`
	Embedding   Embedding   `toml:"embedding"`
	Workflow    Workflow    `toml:"workflow"`
	Logging     Logging     `toml:"logging"`
}

// ErrNotFound indicates no configuration file exists at the resolved path.
var ErrNotFound = errors.New("config file not found")

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return "~/.config/castpipe/config.toml"
}

// Load reads the configuration file at path (or the default location when
// path is empty), applies defaults for unset fields, and validates.
func Load(path string) (*Config, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}
	resolved = ExpandPath(resolved)

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, resolved)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) (string, error) {
	resolved := ExpandPath(strings.TrimSpace(path))
	if resolved == "" {
		resolved = ExpandPath(DefaultConfigPath())
	}
	if _, err := os.Stat(resolved); err == nil {
		return "", fmt.Errorf("config file already exists at %s", resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("ensure config directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(sampleConfig), 0o644); err != nil {
		return "", fmt.Errorf("write sample config: %w", err)
	}
	return resolved, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("config: paths.data_dir is required")
	}
	if c.Paths.LogDir == "" {
		return fmt.Errorf("config: paths.log_dir is required")
	}
	switch c.Storage.Backend {
	case "local":
	case "remote":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("config: storage.endpoint and storage.bucket are required for the remote backend")
		}
	default:
		return fmt.Errorf("config: storage.backend must be %q or %q, got %q", "local", "remote", c.Storage.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive")
	}
	if c.Embedding.MaxTokens <= 0 {
		return fmt.Errorf("config: embedding.max_tokens must be positive")
	}
	if c.Embedding.OverlapPercent < 0 || c.Embedding.OverlapPercent >= 1 {
		return fmt.Errorf("config: embedding.overlap_percent must be in [0, 1)")
	}
	if c.Workflow.Workers < 1 {
		return fmt.Errorf("config: workflow.workers must be at least 1")
	}
	for i, feed := range c.Feeds {
		if strings.TrimSpace(feed.Name) == "" || strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("config: feeds[%d] requires both name and url", i)
		}
	}
	return nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.EpisodesDir(), c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EpisodesDir returns the root directory for per-episode workspaces. Every
// stage artifact for an episode lives under one podcast/episode_NNN
// directory here.
func (c *Config) EpisodesDir() string {
	return filepath.Join(c.Paths.DataDir, "episodes")
}

// CatalogPath returns the SQLite metadata store location.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Paths.DataDir, "catalog.db")
}

// LockPath returns the single-process lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "castpipe.lock")
}

func (c *Config) normalize() {
	c.Paths.DataDir = ExpandPath(c.Paths.DataDir)
	c.Paths.LogDir = ExpandPath(c.Paths.LogDir)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// ExpandPath resolves a leading tilde against the current user's home.
func ExpandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if trimmed == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return trimmed
	}
	if strings.HasPrefix(trimmed, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, trimmed[2:])
		}
	}
	return trimmed
}
