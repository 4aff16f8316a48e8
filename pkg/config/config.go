// Package config loads the warden daemon configuration from YAML with
// sensible defaults for single-host use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/warden/pkg/plane"
)

// Defaults applied when the file or a field is absent.
const (
	DefaultListenAddr     = "127.0.0.1:7177"
	DefaultAgent          = "warden"
	DefaultJournalBackend = "memory"
	DefaultJournalTTL     = 24 * time.Hour
	DefaultTickLimit      = 2.0
	DefaultDayLimit       = 20.0
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Agent      string `yaml:"agent"`
	LogDir     string `yaml:"log_dir"`

	Journal   JournalConfig   `yaml:"journal"`
	Budget    BudgetConfig    `yaml:"budget"`
	Policy    plane.Policy    `yaml:"policy"`
	Providers ProvidersConfig `yaml:"providers"`
	Bus       BusConfig       `yaml:"bus"`
	Account   AccountConfig   `yaml:"account"`
}

// JournalConfig selects the idempotency journal backend.
type JournalConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string        `yaml:"backend"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
}

// BudgetConfig sets the ledger window limits in dollars. Zero disables a
// window's enforcement.
type BudgetConfig struct {
	TickLimit float64 `yaml:"tick_limit"`
	DayLimit  float64 `yaml:"day_limit"`
}

// ProvidersConfig enables and tunes the execution backends.
type ProvidersConfig struct {
	Local  LocalProviderConfig  `yaml:"local"`
	Docker DockerProviderConfig `yaml:"docker"`
	Hosted HostedProviderConfig `yaml:"hosted"`
}

// LocalProviderConfig runs commands as host subprocesses.
type LocalProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	WorkDir string `yaml:"work_dir"`
}

// DockerProviderConfig runs sessions as containers through the docker CLI.
type DockerProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Binary       string `yaml:"binary"`
	DefaultImage string `yaml:"default_image"`
}

// HostedProviderConfig proxies sessions to a remote execution service.
type HostedProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// BaseCost and PerSecond override the advertised pricing.
	BaseCost  float64 `yaml:"base_cost"`
	PerSecond float64 `yaml:"per_second"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Backend is "memory" or "nats".
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

// AccountConfig points at the external account authority. An empty BaseURL
// uses an in-memory gateway, which only suits providers that do not require
// account auth.
type AccountConfig struct {
	BaseURL string  `yaml:"base_url"`
	Credits float64 `yaml:"credits"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Agent:      DefaultAgent,
		LogDir:     defaultLogDir(),
		Journal: JournalConfig{
			Backend: DefaultJournalBackend,
			TTL:     DefaultJournalTTL,
		},
		Budget: BudgetConfig{
			TickLimit: DefaultTickLimit,
			DayLimit:  DefaultDayLimit,
		},
		Providers: ProvidersConfig{
			Local: LocalProviderConfig{Enabled: true},
		},
		Bus: BusConfig{Backend: "memory"},
	}
}

// Load reads path and overlays it on the defaults. A missing file returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Agent == "" {
		c.Agent = DefaultAgent
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir()
	}
	switch c.Journal.Backend {
	case "":
		c.Journal.Backend = DefaultJournalBackend
	case "memory", "sqlite":
	default:
		return c, fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}
	if c.Journal.TTL <= 0 {
		c.Journal.TTL = DefaultJournalTTL
	}
	if c.Journal.Backend == "sqlite" && c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(defaultStateDir(), "journal.db")
	}
	switch c.Bus.Backend {
	case "":
		c.Bus.Backend = "memory"
	case "memory", "nats":
	default:
		return c, fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	return c, nil
}

func defaultLogDir() string {
	return filepath.Join(defaultStateDir(), "logs")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}
