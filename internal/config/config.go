package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Orchestra OrchestraConfig `yaml:"orchestrator"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Queue     QueueConfig     `yaml:"queue"`
	Budget    BudgetConfig    `yaml:"budget"`
	Web       WebConfig       `yaml:"web"`
	Notify    NotifyConfig    `yaml:"notify"`
	Vault     VaultConfig     `yaml:"vault"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type RuntimeConfig struct {
	Image        string        `yaml:"image"`
	MaxRunning   int           `yaml:"max_running"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	APIKey       string        `yaml:"api_key"`
	WorkspaceDir string        `yaml:"workspace_dir"`
}

type OrchestraConfig struct {
	// FanOutWidth bounds how many pending agents are started concurrently
	// inside one StartPendingAgents batch.
	FanOutWidth int `yaml:"fan_out_width"`
}

type LifecycleConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	FailoverModels    []string      `yaml:"failover_models"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

type QueueConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type BudgetConfig struct {
	// Thresholds maps a consumption percentage to an enforcement action
	// (warn, block, kill, audit), evaluated in ascending percentage order.
	Thresholds map[int]string `yaml:"thresholds"`
	Cooldown   time.Duration  `yaml:"cooldown"`
	// FallbackPrice is the conservative per-million-token price charged
	// for models missing from the price table.
	FallbackPrice float64            `yaml:"fallback_price"`
	Prices        map[string]float64 `yaml:"prices"`
	DailyCron     string             `yaml:"daily_cron"`
	MonthlyCron   string             `yaml:"monthly_cron"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/hived.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Runtime: RuntimeConfig{
			Image:        "hived-agent:latest",
			MaxRunning:   20,
			CallTimeout:  30 * time.Second,
			WorkspaceDir: "workspaces",
		},
		Orchestra: OrchestraConfig{
			FanOutWidth: 5,
		},
		Lifecycle: LifecycleConfig{
			MaxAttempts:       3,
			InitialDelay:      2 * time.Second,
			MaxDelay:          2 * time.Minute,
			BackoffMultiplier: 2.0,
			HeartbeatTimeout:  5 * time.Minute,
		},
		Queue: QueueConfig{
			LeaseDuration: 5 * time.Minute,
			SweepInterval: 30 * time.Second,
			MaxRetries:    3,
			RetryDelay:    10 * time.Second,
		},
		Budget: BudgetConfig{
			Thresholds: map[int]string{
				50:  "warn",
				75:  "warn",
				90:  "block",
				100: "kill",
				110: "audit",
			},
			Cooldown:      time.Hour,
			FallbackPrice: 75.0,
			DailyCron:     "0 0 * * *",
			MonthlyCron:   "0 0 1 * *",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVED_CONFIG")
	if path == "" {
		path = "config/hived.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVED_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVED_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVED_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVED_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVED_RUNTIME_API_KEY"); v != "" {
		cfg.Runtime.APIKey = v
	}
	if v := os.Getenv("HIVED_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("HIVED_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.TelegramChatID = id
		}
	}
	if v := os.Getenv("HIVED_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}

func Validate(cfg *Config) error {
	if cfg.Orchestra.FanOutWidth <= 0 {
		return fmt.Errorf("orchestrator.fan_out_width must be positive")
	}
	if cfg.Lifecycle.MaxAttempts <= 0 {
		return fmt.Errorf("lifecycle.max_attempts must be positive")
	}
	if cfg.Lifecycle.BackoffMultiplier < 1 {
		return fmt.Errorf("lifecycle.backoff_multiplier must be >= 1")
	}
	if cfg.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be positive")
	}
	for pct, action := range cfg.Budget.Thresholds {
		if pct <= 0 {
			return fmt.Errorf("budget threshold percentage must be positive, got %d", pct)
		}
		switch action {
		case "warn", "block", "kill", "audit":
		default:
			return fmt.Errorf("unknown budget threshold action %q", action)
		}
	}
	return nil
}
