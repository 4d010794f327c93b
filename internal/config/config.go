package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/fixgateway/pkg/gateway"
	"github.com/gregtusar/fixgateway/pkg/secrets"
	"github.com/gregtusar/fixgateway/pkg/session"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Logging LoggingConfig `mapstructure:"logging"`
	GCP     GCPConfig     `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SessionConfig describes the connection to the FIX bridge.
type SessionConfig struct {
	URL          string `mapstructure:"url"`
	SenderCompID string `mapstructure:"sender_comp_id"`
	TargetCompID string `mapstructure:"target_comp_id"`
	Account      string `mapstructure:"account"`

	// Legacy authentication
	AuthType   string `mapstructure:"auth_type"` // "none", "legacy" or "jwt"
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	// JWT authentication
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"` // EC private key in PEM format

	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
}

type GatewayConfig struct {
	Exchange                 string              `mapstructure:"exchange"`
	TradingSymbols           []string            `mapstructure:"trading_symbols"`
	QueueTimeout             time.Duration       `mapstructure:"queue_timeout"`
	CancelOnExit             bool                `mapstructure:"cancel_on_exit"`
	CancelTimeout            time.Duration       `mapstructure:"cancel_timeout"`
	SubscribePositionUpdates bool                `mapstructure:"subscribe_position_updates"`
	SubscribeTradeCapture    bool                `mapstructure:"subscribe_trade_capture"`
	TimerInterval            time.Duration       `mapstructure:"timer_interval"`
	TimerAlignment           time.Duration       `mapstructure:"timer_alignment"`
	RateLimits               []gateway.RateLimit `mapstructure:"rate_limits"`
	Netting                  bool                `mapstructure:"netting"`
	ExportDir                string              `mapstructure:"export_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	logger := logrus.New()
	if err := loadDotEnv(); err != nil {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fix-gateway")
	}

	// FIXGW_GATEWAY_EXCHANGE overrides gateway.exchange
	v.SetEnvPrefix("FIXGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadDotEnv loads the given env files, ./.env by default. A missing file is
// not an error.
func loadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	gw := gateway.DefaultConfig()

	// Server defaults
	v.SetDefault("server.port", 8080)

	// Session defaults
	v.SetDefault("session.url", "ws://localhost:9878/fix")
	v.SetDefault("session.sender_comp_id", "")
	v.SetDefault("session.target_comp_id", "")
	v.SetDefault("session.account", "")
	v.SetDefault("session.auth_type", string(session.AuthTypeNone))
	v.SetDefault("session.api_key", "")
	v.SetDefault("session.api_secret", "")
	v.SetDefault("session.passphrase", "")
	v.SetDefault("session.api_key_name", "")
	v.SetDefault("session.private_key_pem", "")
	v.SetDefault("session.reconnect_delay", 5*time.Second)
	v.SetDefault("session.max_reconnects", 10)
	v.SetDefault("session.ping_interval", 30*time.Second)
	v.SetDefault("session.handshake_timeout", 10*time.Second)
	v.SetDefault("session.queue_size", 1024)

	// Gateway defaults
	v.SetDefault("gateway.exchange", "")
	v.SetDefault("gateway.trading_symbols", []string{})
	v.SetDefault("gateway.queue_timeout", gw.QueueTimeout)
	v.SetDefault("gateway.cancel_on_exit", gw.CancelOnExit)
	v.SetDefault("gateway.cancel_timeout", gw.CancelTimeout)
	v.SetDefault("gateway.subscribe_position_updates", gw.SubscribePositionUpdates)
	v.SetDefault("gateway.subscribe_trade_capture", gw.SubscribeTradeCapture)
	v.SetDefault("gateway.timer_interval", gw.TimerInterval)
	v.SetDefault("gateway.timer_alignment", gw.TimerAlignment)
	v.SetDefault("gateway.rate_limits", gw.RateLimits)
	v.SetDefault("gateway.netting", gw.Netting)
	v.SetDefault("gateway.export_dir", "./data/history")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.bridge_api_key", secretNames.BridgeAPIKey)
	v.SetDefault("gcp.secret_names.bridge_api_secret", secretNames.BridgeAPISecret)
	v.SetDefault("gcp.secret_names.bridge_passphrase", secretNames.BridgePassphrase)
	v.SetDefault("gcp.secret_names.bridge_api_key_name", secretNames.BridgeAPIKeyName)
	v.SetDefault("gcp.secret_names.bridge_private_key", secretNames.BridgePrivateKey)
}

func overrideFromEnv(config *Config) {
	// Bridge credentials from environment
	if apiKey := os.Getenv("FIXGW_BRIDGE_API_KEY"); apiKey != "" {
		config.Session.APIKey = apiKey
	}
	if apiSecret := os.Getenv("FIXGW_BRIDGE_API_SECRET"); apiSecret != "" {
		config.Session.APISecret = apiSecret
	}
	if passphrase := os.Getenv("FIXGW_BRIDGE_PASSPHRASE"); passphrase != "" {
		config.Session.Passphrase = passphrase
	}
	if authType := os.Getenv("FIXGW_BRIDGE_AUTH_TYPE"); authType != "" {
		config.Session.AuthType = authType
	}
	if apiKeyName := os.Getenv("FIXGW_BRIDGE_API_KEY_NAME"); apiKeyName != "" {
		config.Session.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("FIXGW_BRIDGE_PRIVATE_KEY"); privateKey != "" {
		config.Session.PrivateKeyPEM = privateKey
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	applySecrets(ctx, config, secretManager)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// applySecrets fills in the credentials that are not already set.
func applySecrets(ctx context.Context, config *Config, src secrets.Source) {
	names := config.GCP.SecretNames
	s := &config.Session

	if s.APIKey == "" {
		s.APIKey = src.GetSecretWithDefault(ctx, names.BridgeAPIKey, "")
	}
	if s.APISecret == "" {
		s.APISecret = src.GetSecretWithDefault(ctx, names.BridgeAPISecret, "")
	}
	if s.Passphrase == "" {
		s.Passphrase = src.GetSecretWithDefault(ctx, names.BridgePassphrase, "")
	}

	// JWT auth secrets
	if s.APIKeyName == "" {
		s.APIKeyName = src.GetSecretWithDefault(ctx, names.BridgeAPIKeyName, "")
	}
	if s.PrivateKeyPEM == "" {
		s.PrivateKeyPEM = src.GetSecretWithDefault(ctx, names.BridgePrivateKey, "")
	}
}

func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}
	if c.Gateway.Exchange == "" {
		return fmt.Errorf("gateway.exchange is required")
	}
	switch session.AuthType(c.Session.AuthType) {
	case session.AuthTypeNone, session.AuthTypeLegacy, session.AuthTypeJWT:
	default:
		return fmt.Errorf("unknown session.auth_type %q", c.Session.AuthType)
	}
	if len(c.Gateway.RateLimits) == 0 {
		return fmt.Errorf("gateway.rate_limits must not be empty")
	}
	for _, l := range c.Gateway.RateLimits {
		if l.Limit <= 0 || l.Period <= 0 {
			return fmt.Errorf("invalid rate limit %s", l)
		}
	}
	return nil
}

func (c *Config) Credentials() session.Credentials {
	return session.Credentials{
		AuthType:      session.AuthType(c.Session.AuthType),
		APIKey:        c.Session.APIKey,
		APISecret:     c.Session.APISecret,
		Passphrase:    c.Session.Passphrase,
		APIKeyName:    c.Session.APIKeyName,
		PrivateKeyPEM: c.Session.PrivateKeyPEM,
	}
}

func (c *Config) BridgeConfig() session.BridgeConfig {
	return session.BridgeConfig{
		URL:              c.Session.URL,
		SenderCompID:     c.Session.SenderCompID,
		TargetCompID:     c.Session.TargetCompID,
		Account:          c.Session.Account,
		HandshakeTimeout: c.Session.HandshakeTimeout,
		PingInterval:     c.Session.PingInterval,
		ReconnectDelay:   c.Session.ReconnectDelay,
		MaxReconnects:    c.Session.MaxReconnects,
		QueueSize:        c.Session.QueueSize,
	}
}

func (c *Config) DispatcherConfig() gateway.Config {
	g := c.Gateway
	return gateway.Config{
		Exchange:                 g.Exchange,
		TradingSymbols:           append([]string(nil), g.TradingSymbols...),
		QueueTimeout:             g.QueueTimeout,
		CancelOnExit:             g.CancelOnExit,
		CancelTimeout:            g.CancelTimeout,
		SubscribePositionUpdates: g.SubscribePositionUpdates,
		SubscribeTradeCapture:    g.SubscribeTradeCapture,
		TimerInterval:            g.TimerInterval,
		TimerAlignment:           g.TimerAlignment,
		RateLimits:               append([]gateway.RateLimit(nil), g.RateLimits...),
		Netting:                  g.Netting,
	}
}
