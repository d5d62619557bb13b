// Package config holds the configuration of the drawsync binaries. Values are
// read through viper so flags, DRAWSYNC_* environment variables and an
// optional config file all feed the same keys.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DRAWSYNC"

type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type OIDC struct {
	IssuerURL    string        `mapstructure:"issuer-url"`
	ClientID     string        `mapstructure:"client-id"`
	ClientSecret string        `mapstructure:"client-secret"`
	RedirectURL  string        `mapstructure:"redirect-url"`
	SessionKey   string        `mapstructure:"session-key"`
	SessionTTL   time.Duration `mapstructure:"session-ttl"`
	CookieSecure bool          `mapstructure:"cookie-secure"`
}

// Enabled reports whether OIDC login is configured. Without it the service
// runs every request as DevUser.
func (o OIDC) Enabled() bool {
	return o.IssuerURL != ""
}

// Server configures the operation log service.
type Server struct {
	Addr    string `mapstructure:"addr"`
	DBPath  string `mapstructure:"db-path"`
	DevUser string `mapstructure:"dev-user"`

	// StreamQueueSize is the number of pending frames a live subscriber may
	// lag behind before it is disconnected.
	StreamQueueSize int           `mapstructure:"stream-queue-size"`
	PingInterval    time.Duration `mapstructure:"ping-interval"`

	OIDC OIDC `mapstructure:"oidc"`
	Log  Log  `mapstructure:"log"`
}

func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		DBPath:          "drawsync.db",
		DevUser:         "dev-user",
		StreamQueueSize: 64,
		PingInterval:    20 * time.Second,
		OIDC:            OIDC{SessionTTL: 30 * 24 * time.Hour},
		Log:             Log{Level: "info"},
	}
}

func (c Server) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DBPath == "" {
		return errors.New("db-path is required")
	}
	if c.StreamQueueSize <= 0 {
		return fmt.Errorf("stream-queue-size must be positive: %d", c.StreamQueueSize)
	}
	if c.OIDC.Enabled() && (c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "") {
		return errors.New("oidc client-id and redirect-url are required with issuer-url")
	}
	return nil
}

// Client configures a sync client session against one document.
type Client struct {
	ServerURL  string `mapstructure:"server-url"`
	DocumentID string `mapstructure:"document-id"`

	FlushInterval     time.Duration `mapstructure:"flush-interval"`
	RetryInterval     time.Duration `mapstructure:"retry-interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect-interval"`
	CatchUpPageSize   int           `mapstructure:"catch-up-page-size"`
	RequestRetries    int           `mapstructure:"request-retries"`
	RequestTimeout    time.Duration `mapstructure:"request-timeout"`

	// SessionCookie is sent with every request, e.g. the session cookie of a
	// browser login against an OIDC-enabled service.
	SessionCookie string `mapstructure:"session-cookie"`

	Log Log `mapstructure:"log"`
}

func DefaultClient() Client {
	return Client{
		ServerURL:         "http://localhost:8080",
		FlushInterval:     150 * time.Millisecond,
		RetryInterval:     time.Second,
		ReconnectInterval: 5 * time.Second,
		CatchUpPageSize:   1000,
		RequestRetries:    2,
		RequestTimeout:    10 * time.Second,
		Log:               Log{Level: "info"},
	}
}

func (c Client) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server-url is required")
	}
	if c.DocumentID == "" {
		return errors.New("document-id is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush-interval must be positive: %s", c.FlushInterval)
	}
	if c.CatchUpPageSize <= 0 {
		return fmt.Errorf("catch-up-page-size must be positive: %d", c.CatchUpPageSize)
	}
	return nil
}

// NewViper returns a viper instance reading DRAWSYNC_* environment variables,
// with "-" and "." in keys mapped to "_".
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load fills cfg from v, reading configFile first when it is set. Keys absent
// everywhere keep the values already in cfg.
func Load(v *viper.Viper, configFile string, cfg any) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
