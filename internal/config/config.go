package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen            = ":8090"
	DefaultWatchDebounce     = 100 * time.Millisecond
	DefaultFetchTimeout      = 15 * time.Second
	DefaultReconnectInterval = 2 * time.Second
	DefaultReconnectJitter   = 0.2
)

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type Sidebar struct {
	ShowRoots *bool `yaml:"showRoots"`
}

// RefConfig names a remote storysync. Token is sent as a bearer token when
// dialing its channel.
type RefConfig struct {
	ID    string `yaml:"id"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type Config struct {
	Listen            string        `yaml:"listen"`
	IndexURL          string        `yaml:"indexUrl"`
	IndexPath         string        `yaml:"indexPath"`
	SnapshotDSN       string        `yaml:"snapshotDsn"`
	WatchPaths        []string      `yaml:"watchPaths"`
	WatchDebounce     time.Duration `yaml:"watchDebounce"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	Sidebar           Sidebar       `yaml:"sidebar"`
	Refs              []RefConfig   `yaml:"refs"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	ReconnectJitter   float64       `yaml:"reconnectJitter"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

func Default() Config {
	return Config{
		Listen:            DefaultListen,
		WatchDebounce:     DefaultWatchDebounce,
		FetchTimeout:      DefaultFetchTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		ReconnectJitter:   DefaultReconnectJitter,
	}
}

// ShowRoots is true unless the sidebar explicitly disables it.
func (c Config) ShowRoots() bool {
	if c.Sidebar.ShowRoots == nil {
		return true
	}
	return *c.Sidebar.ShowRoots
}

// Load reads path when it is non-empty, then applies STORYSYNC_* overrides.
// A missing file is an error only when path was given explicitly.
func Load(path string, logger Logger) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, ref := range c.Refs {
		id := strings.TrimSpace(ref.ID)
		if id == "" || strings.TrimSpace(ref.URL) == "" {
			return fmt.Errorf("%w: refs[%d] needs id and url", ErrInvalidInput, i)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate ref %q", ErrInvalidInput, id)
		}
		seen[id] = true
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("%w: reconnectJitter must be within [0,1]", ErrInvalidInput)
	}
	return nil
}

func applyEnv(cfg *Config, logger Logger) {
	cfg.Listen = envOrDefault("STORYSYNC_LISTEN", cfg.Listen)
	cfg.IndexURL = envOrDefault("STORYSYNC_INDEX_URL", cfg.IndexURL)
	cfg.IndexPath = envOrDefault("STORYSYNC_INDEX_PATH", cfg.IndexPath)
	cfg.SnapshotDSN = envOrDefault("STORYSYNC_SNAPSHOT_DSN", cfg.SnapshotDSN)
	if raw := envOrDefault("STORYSYNC_WATCH_PATHS", ""); raw != "" {
		cfg.WatchPaths = splitList(raw)
	}
	cfg.WatchDebounce = durationEnv(logger, "STORYSYNC_WATCH_DEBOUNCE", cfg.WatchDebounce)
	cfg.FetchTimeout = durationEnv(logger, "STORYSYNC_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.ReconnectInterval = durationEnv(logger, "STORYSYNC_RECONNECT_INTERVAL", cfg.ReconnectInterval)
	cfg.ReconnectJitter = floatEnv(logger, "STORYSYNC_RECONNECT_JITTER", cfg.ReconnectJitter)
	if raw := envOrDefault("STORYSYNC_ALLOWED_ORIGINS", ""); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}
	if value, ok := boolEnv(logger, "STORYSYNC_SHOW_ROOTS"); ok {
		cfg.Sidebar.ShowRoots = &value
	}
	if raw := envOrDefault("STORYSYNC_REFS", ""); raw != "" {
		refs, err := parseRefs(raw)
		if err != nil {
			logf(logger, "invalid STORYSYNC_REFS=%q, keeping configured refs: %v", raw, err)
		} else {
			cfg.Refs = refs
		}
	}
}

// parseRefs reads "id=url,id=url".
func parseRefs(raw string) ([]RefConfig, error) {
	var refs []RefConfig
	for _, item := range splitList(raw) {
		id, url, ok := strings.Cut(item, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("%w: ref %q", ErrInvalidInput, item)
		}
		refs = append(refs, RefConfig{ID: id, URL: url})
	}
	return refs, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger Logger, name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, ignoring", name, raw)
		return false, false
	}
	return value, true
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
