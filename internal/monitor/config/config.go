package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration file.
const DefaultPath = "~/.filesyncd/config.yaml"

// Mocked for unit testing.
var (
	fs            = afero.NewOsFs()
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// Config is the daemon configuration. Sync configurations themselves live
// in the database.
type Config struct {
	DBPath      string `yaml:"db_path"`
	Listen      string `yaml:"listen"`
	APIToken    string `yaml:"api_token,omitempty"`
	InitialSync bool   `yaml:"initial_sync"`

	Log           Log           `yaml:"log"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Monitor       Monitor       `yaml:"monitor"`
	Engine        Engine        `yaml:"engine"`
	History       History       `yaml:"history"`
	Notifications Notifications `yaml:"notifications"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Scheduler struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
}

type Monitor struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Engine struct {
	TransferWorkers int `yaml:"transfer_workers"`
	// BandwidthLimit is in bytes per second; 0 means unlimited.
	BandwidthLimit int64 `yaml:"bandwidth_limit"`
}

type History struct {
	RetentionDays int `yaml:"retention_days"`
}

type Notifications struct {
	DiscordWebhook string `yaml:"discord_webhook,omitempty"`
	TelegramToken  string `yaml:"telegram_token,omitempty"`
	TelegramChatID string `yaml:"telegram_chat_id,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DBPath: "~/.filesyncd/filesyncd.db",
		Listen: ":8085",
		Log:    Log{Level: "info", Format: "text"},
		Scheduler: Scheduler{
			MaxConcurrentTasks: 3,
			TaskTimeout:        time.Hour,
			TickInterval:       time.Second,
			ReaperInterval:     time.Minute,
		},
		Monitor: Monitor{Debounce: 5 * time.Second},
		Engine:  Engine{TransferWorkers: 4},
		History: History{RetentionDays: 30},
	}
}

// Load reads the configuration at path (DefaultPath when empty). A missing
// file yields the defaults. Environment variables fill fields left empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	path, err := homedirExpand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("configuration file %q could not be parsed: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if cfg.DBPath, err = homedirExpand(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("expand db_path: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	fallback := func(field *string, key string) {
		if *field == "" {
			*field = getenv(key)
		}
	}
	if v := getenv("FILESYNCD_DB_PATH"); v != "" && c.DBPath == Default().DBPath {
		c.DBPath = v
	}
	if v := getenv("FILESYNCD_LISTEN"); v != "" && c.Listen == Default().Listen {
		c.Listen = v
	}
	fallback(&c.APIToken, "FILESYNCD_API_TOKEN")
	fallback(&c.Notifications.DiscordWebhook, "DISCORD_WEBHOOK_URL")
	fallback(&c.Notifications.TelegramToken, "TELEGRAM_BOT_TOKEN")
	fallback(&c.Notifications.TelegramChatID, "TELEGRAM_CHAT_ID")
}

// fillDefaults restores defaults for keys a file zeroed out.
func (c *Config) fillDefaults() {
	d := Default()
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = d.Scheduler.MaxConcurrentTasks
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = d.Scheduler.TickInterval
	}
	if c.Scheduler.ReaperInterval <= 0 {
		c.Scheduler.ReaperInterval = d.Scheduler.ReaperInterval
	}
	if c.Monitor.Debounce <= 0 {
		c.Monitor.Debounce = d.Monitor.Debounce
	}
	if c.Engine.TransferWorkers <= 0 {
		c.Engine.TransferWorkers = d.Engine.TransferWorkers
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Scheduler.TaskTimeout < 0 {
		errs = append(errs, errors.New("scheduler.task_timeout must not be negative"))
	}
	if c.Engine.BandwidthLimit < 0 {
		errs = append(errs, errors.New("engine.bandwidth_limit must not be negative"))
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, errors.New("history.retention_days must not be negative"))
	}
	return errors.Join(errs...)
}

// ConfigureLogger applies the log level and format to l.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	path, err := homedirExpand(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o600)
}
