package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Cron    CronConfig    `mapstructure:"cron"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Google  GoogleConfig  `mapstructure:"google"`
	Notion  NotionConfig  `mapstructure:"notion"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	QueueTick    string        `mapstructure:"queue_tick"`
	PollTick     string        `mapstructure:"poll_tick"`
	ChannelTick  string        `mapstructure:"channel_tick"`
	QueueGCTick  string        `mapstructure:"queue_gc_tick"`
	QueueGCAfter time.Duration `mapstructure:"queue_gc_after"`
}

type WebhookConfig struct {
	// CallbackURL is the public URL push providers deliver notifications to.
	CallbackURL string `mapstructure:"callback_url"`
	// TokenSecret signs the per-channel tokens echoed back on notifications.
	TokenSecret string `mapstructure:"token_secret"`
	// RenewBefore marks a channel expiring once it is this close to expiry.
	RenewBefore time.Duration `mapstructure:"renew_before"`
	ChannelTTL  time.Duration `mapstructure:"channel_ttl"`
}

type QueueConfig struct {
	BatchLimit int `mapstructure:"batch_limit"`
	MaxRetries int `mapstructure:"max_retries"`
}

type GoogleConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RefreshToken string        `mapstructure:"refresh_token"`
}

type NotionConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.queue_tick", "@every 30s")
	v.SetDefault("cron.poll_tick", "@every 5m")
	v.SetDefault("cron.channel_tick", "@every 15m")
	v.SetDefault("cron.queue_gc_tick", "@every 1h")
	v.SetDefault("cron.queue_gc_after", "72h")
	v.SetDefault("webhook.callback_url", "")
	v.SetDefault("webhook.token_secret", "")
	v.SetDefault("webhook.renew_before", "12h")
	v.SetDefault("webhook.channel_ttl", "168h")
	v.SetDefault("queue.batch_limit", 50)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("google.base_url", "https://www.googleapis.com/calendar/v3")
	v.SetDefault("google.timeout", "15s")
	v.SetDefault("google.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.timeout", "15s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
