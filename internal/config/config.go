package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"metricwatch/internal/alerting"
	"metricwatch/internal/logging"
	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/remediation"
	"metricwatch/internal/risk"
	"metricwatch/internal/threshold"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                `mapstructure:"app"`
	Logging     logging.Config           `mapstructure:"logging"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Server      ServerConfig             `mapstructure:"server"`
	Alerting    AlertingConfig           `mapstructure:"alerting"`
	Remediation RemediationConfig        `mapstructure:"remediation"`
	Monitors    map[string]MonitorConfig `mapstructure:"monitors"`
	Export      ExportConfig             `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// persistence.
type DatabaseConfig struct {
	DSN                 string        `mapstructure:"dsn"`
	MaxOpenConns        int           `mapstructure:"max_open_conns"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime     time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate         bool          `mapstructure:"auto_migrate"`
	Retention           time.Duration `mapstructure:"retention"`
	RecordSamples       bool          `mapstructure:"record_samples"`
	SampleBuffer        int           `mapstructure:"sample_buffer"`
	SampleBatchSize     int           `mapstructure:"sample_batch_size"`
	SampleFlushInterval time.Duration `mapstructure:"sample_flush_interval"`
}

// ServerConfig covers the admin and ingestion API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WSBuffer        int           `mapstructure:"ws_buffer"`
}

// AlertingConfig defines alert delivery and routing.
type AlertingConfig struct {
	QueueSize       int                    `mapstructure:"queue_size"`
	MaxPending      int                    `mapstructure:"max_pending"`
	DeliveryTimeout time.Duration          `mapstructure:"delivery_timeout"`
	MaxAttempts     int                    `mapstructure:"max_attempts"`
	Channels        []string               `mapstructure:"channels"`
	Webhook         WebhookConfig          `mapstructure:"webhook"`
	Slack           SlackConfig            `mapstructure:"slack"`
	Telegram        TelegramConfig         `mapstructure:"telegram"`
	NATS            NATSConfig             `mapstructure:"nats"`
	Breaker         alerting.BreakerConfig `mapstructure:"breaker"`
}

// Alert sink channel names.
const (
	ChannelWebhook  = "webhook"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
	ChannelNATS     = "nats"
)

// WebhookConfig posts alert JSON to an arbitrary endpoint.
type WebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	MinSeverity string            `mapstructure:"min_severity"`
}

// SlackConfig posts alert summaries to an incoming webhook.
type SlackConfig struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	Channel     string `mapstructure:"channel"`
	MinSeverity string `mapstructure:"min_severity"`
}

// TelegramConfig describes the Telegram bot sink.
type TelegramConfig struct {
	BotToken    string `mapstructure:"bot_token"`
	ChatID      string `mapstructure:"chat_id"`
	APIBase     string `mapstructure:"api_base"`
	MinSeverity string `mapstructure:"min_severity"`
}

// NATSConfig publishes alerts to <subject_prefix>.<monitor>.<severity>.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	MinSeverity   string `mapstructure:"min_severity"`
}

// RemediationConfig configures where remediation actions are sent. Without a
// target URL actions are only logged.
type RemediationConfig struct {
	TargetURL string        `mapstructure:"target_url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Queue     int           `mapstructure:"queue"`
}

// MonitorConfig is one monitors.<kind> section.
type MonitorConfig struct {
	Enabled         bool                           `mapstructure:"enabled"`
	Interval        time.Duration                  `mapstructure:"interval"`
	StartupDelay    time.Duration                  `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration                  `mapstructure:"cycle_timeout"`
	StaleAfter      time.Duration                  `mapstructure:"stale_after"`
	HistoryWindow   int                            `mapstructure:"history_window"`
	HistoryLookback time.Duration                  `mapstructure:"history_lookback"`
	Realert         string                         `mapstructure:"realert"`
	Thresholds      map[string]threshold.Threshold `mapstructure:"thresholds"`
	Pattern         PatternConfig                  `mapstructure:"pattern"`
	Risk            risk.Config                    `mapstructure:"risk"`
	Remediation     MonitorRemediationConfig       `mapstructure:"remediation"`
}

// PatternConfig tunes repeated-failure detection.
type PatternConfig struct {
	Threshold  int           `mapstructure:"threshold"`
	Window     time.Duration `mapstructure:"window"`
	MaxSamples int           `mapstructure:"max_samples"`
	GroupMin   int           `mapstructure:"group_min"`
}

// MonitorRemediationConfig holds the per-monitor escalation policy.
type MonitorRemediationConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Window  time.Duration      `mapstructure:"window"`
	Rules   []remediation.Rule `mapstructure:"rules"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METRICWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metricwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "720h")
	v.SetDefault("database.record_samples", true)
	v.SetDefault("database.sample_buffer", 4096)
	v.SetDefault("database.sample_batch_size", 256)
	v.SetDefault("database.sample_flush_interval", "2s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.ws_buffer", 64)

	v.SetDefault("alerting.queue_size", 1024)
	v.SetDefault("alerting.max_pending", 4096)
	v.SetDefault("alerting.max_attempts", 5)
	v.SetDefault("alerting.delivery_timeout", "10s")
	v.SetDefault("alerting.channels", []string{})
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.nats.subject_prefix", "metricwatch.alerts")
	v.SetDefault("alerting.breaker.enabled", true)
	v.SetDefault("alerting.breaker.failure_threshold", 5)
	v.SetDefault("alerting.breaker.max_requests", 1)
	v.SetDefault("alerting.breaker.interval", "1m")
	v.SetDefault("alerting.breaker.timeout", "30s")

	v.SetDefault("remediation.timeout", "30s")
	v.SetDefault("remediation.queue", 256)

	v.SetDefault("export.max_data_points", 100000)

	for _, kind := range model.Kinds() {
		setMonitorDefaults(v, monitor.DefaultSettings(kind))
	}
}

// setMonitorDefaults seeds monitors.<kind> leaf by leaf so a config file can
// override single fields of a preset.
func setMonitorDefaults(v *viper.Viper, s monitor.Settings) {
	p := "monitors." + string(s.Kind) + "."
	v.SetDefault(p+"enabled", true)
	v.SetDefault(p+"interval", s.Interval)
	v.SetDefault(p+"startup_delay", s.StartupDelay)
	v.SetDefault(p+"cycle_timeout", s.CycleTimeout)
	v.SetDefault(p+"stale_after", s.StaleAfter)
	v.SetDefault(p+"history_window", s.HistoryWindow)
	v.SetDefault(p+"history_lookback", s.HistoryLookback)
	v.SetDefault(p+"realert", string(s.Realert))

	for metric, t := range s.Thresholds {
		v.SetDefault(p+"thresholds."+metric+".warning", t.Warning)
		v.SetDefault(p+"thresholds."+metric+".critical", t.Critical)
	}

	v.SetDefault(p+"pattern.threshold", s.Pattern.Threshold)
	v.SetDefault(p+"pattern.window", s.Pattern.Window)
	v.SetDefault(p+"pattern.max_samples", s.Pattern.MaxSamples)
	v.SetDefault(p+"pattern.group_min", s.Pattern.GroupMin)

	r := s.Risk
	v.SetDefault(p+"risk.weights.count", r.Weights.Count)
	v.SetDefault(p+"risk.weights.frequency", r.Weights.Frequency)
	v.SetDefault(p+"risk.weights.magnitude", r.Weights.Magnitude)
	v.SetDefault(p+"risk.count_saturation", r.CountSaturation)
	v.SetDefault(p+"risk.frequency_saturation", r.FrequencySaturation)
	v.SetDefault(p+"risk.half_life", r.HalfLife)
	v.SetDefault(p+"risk.magnitude_scale", r.MagnitudeScale)
	v.SetDefault(p+"risk.warning", r.Levels.Warning)
	v.SetDefault(p+"risk.high", r.Levels.High)
	v.SetDefault(p+"risk.critical", r.Levels.Critical)

	rules := make([]map[string]any, 0, len(s.Remediation.Rules))
	for _, rule := range s.Remediation.Rules {
		rules = append(rules, map[string]any{
			"type":         rule.Type,
			"min_severity": string(rule.MinSeverity),
			"action":       string(rule.Action),
		})
	}
	v.SetDefault(p+"remediation.enabled", s.Remediation.Enabled)
	v.SetDefault(p+"remediation.window", s.Remediation.Window)
	v.SetDefault(p+"remediation.rules", rules)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if err := c.Alerting.validate(); err != nil {
		return err
	}
	if c.Remediation.Timeout < 0 {
		return fmt.Errorf("remediation.timeout cannot be negative")
	}

	for name := range c.Monitors {
		kind, err := model.ParseKind(name)
		if err != nil {
			return fmt.Errorf("monitors.%s: %w", name, err)
		}
		if string(kind) != name {
			return fmt.Errorf("monitors.%s: section must be named %s", name, kind)
		}
		if _, err := c.MonitorSettings(kind); err != nil {
			return err
		}
	}
	return nil
}

func (a AlertingConfig) validate() error {
	if a.QueueSize < 0 || a.MaxPending < 0 || a.MaxAttempts < 0 {
		return fmt.Errorf("alerting.queue_size, alerting.max_pending and alerting.max_attempts cannot be negative")
	}
	floors := map[string]string{
		ChannelWebhook:  a.Webhook.MinSeverity,
		ChannelSlack:    a.Slack.MinSeverity,
		ChannelTelegram: a.Telegram.MinSeverity,
		ChannelNATS:     a.NATS.MinSeverity,
	}
	for _, ch := range a.Channels {
		name := strings.ToLower(strings.TrimSpace(ch))
		floor, known := floors[name]
		if !known {
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
		if floor != "" {
			if _, err := alerting.ParseSeverity(floor); err != nil {
				return fmt.Errorf("alerting.%s.min_severity: %w", name, err)
			}
		}
		switch name {
		case ChannelWebhook:
			if a.Webhook.URL == "" {
				return fmt.Errorf("alerting.webhook.url is required")
			}
		case ChannelSlack:
			if a.Slack.WebhookURL == "" {
				return fmt.Errorf("alerting.slack.webhook_url is required")
			}
		case ChannelTelegram:
			if a.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token is required")
			}
			if a.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.chat_id is required")
			}
		case ChannelNATS:
			if a.NATS.URL == "" {
				return fmt.Errorf("alerting.nats.url is required")
			}
		}
	}
	return nil
}

// Enabled reports whether the monitor for kind should run. Kinds missing
// from the configuration run with their preset.
func (c *Config) Enabled(kind model.Kind) bool {
	mc, ok := c.Monitors[string(kind)]
	return !ok || mc.Enabled
}

// MonitorSettings resolves monitors.<kind> onto the kind's preset.
func (c *Config) MonitorSettings(kind model.Kind) (monitor.Settings, error) {
	s := monitor.DefaultSettings(kind)
	s.Delivery = alerting.DispatcherOptions{
		QueueSize:       c.Alerting.QueueSize,
		MaxPending:      c.Alerting.MaxPending,
		DeliveryTimeout: c.Alerting.DeliveryTimeout,
		MaxAttempts:     c.Alerting.MaxAttempts,
	}
	if c.Remediation.Timeout > 0 {
		s.Remediation.Timeout = c.Remediation.Timeout
	}
	if c.Remediation.Queue > 0 {
		s.Remediation.Queue = c.Remediation.Queue
	}

	mc, ok := c.Monitors[string(kind)]
	if !ok {
		return s, nil
	}

	realert, err := monitor.ParseRealertMode(strings.ToLower(mc.Realert))
	if err != nil {
		return monitor.Settings{}, fmt.Errorf("monitors.%s.realert: %w", kind, err)
	}

	s.Interval = mc.Interval
	s.StartupDelay = mc.StartupDelay
	s.CycleTimeout = mc.CycleTimeout
	s.StaleAfter = mc.StaleAfter
	s.HistoryWindow = mc.HistoryWindow
	s.HistoryLookback = mc.HistoryLookback
	s.Realert = realert
	s.Thresholds = make(map[string]threshold.Threshold, len(mc.Thresholds))
	for metric, t := range mc.Thresholds {
		s.Thresholds[metric] = t
	}
	s.Pattern = monitor.PatternSettings{
		Threshold:  mc.Pattern.Threshold,
		Window:     mc.Pattern.Window,
		MaxSamples: mc.Pattern.MaxSamples,
		GroupMin:   mc.Pattern.GroupMin,
	}
	s.Risk = mc.Risk
	s.Remediation.Enabled = mc.Remediation.Enabled
	s.Remediation.Window = mc.Remediation.Window
	s.Remediation.Rules = mc.Remediation.Rules

	if err := s.Validate(); err != nil {
		return monitor.Settings{}, fmt.Errorf("monitors.%w", err)
	}
	return s, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
