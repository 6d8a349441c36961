package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Config represents the network server configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	JWT         JWTConfig         `yaml:"jwt"`
	Operators   []OperatorConfig  `yaml:"operators"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Network     NetworkConfig     `yaml:"network"`
	CN470       CN470Config       `yaml:"cn470"`
	Dedup       DedupConfig       `yaml:"dedup"`
	ADR         ADRConfig         `yaml:"adr"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Integration IntegrationConfig `yaml:"integration"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig identifies this instance
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// InstanceID is the gateway id devices are pinned to
	InstanceID string `yaml:"instance_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig configures the operator REST API
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// Addr returns the listen address
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// OperatorConfig is an API account, the password is a bcrypt hash
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	// KeyEncryptionKey is a hex AES key sealing twin documents at rest
	KeyEncryptionKey string `yaml:"key_encryption_key"`
}

// EncryptionKey decodes KeyEncryptionKey, nil when unset
func (c DatabaseConfig) EncryptionKey() ([]byte, error) {
	if c.KeyEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.KeyEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("key_encryption_key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("key_encryption_key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientName        string        `yaml:"client_name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// TxPower in dBm written into every txpk
	TxPower int `yaml:"tx_power"`
}

// Directory modes
const (
	DirectoryHTTP     = "http"
	DirectoryPostgres = "postgres"
)

// Coordinators for counter reservations and cross-instance dedup
const (
	CoordinatorNone  = "none"
	CoordinatorRedis = "redis"
)

// DirectoryConfig selects the device directory adapter
type DirectoryConfig struct {
	Mode        string        `yaml:"mode"`
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Coordinator string        `yaml:"coordinator"`
	FCntTTL     time.Duration `yaml:"fcnt_ttl"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
}

type NetworkConfig struct {
	NetID string `yaml:"net_id"`
	Band  string `yaml:"band"`
	// RXLeadTime is how early a downlink must reach the transport
	RXLeadTime       time.Duration `yaml:"rx_lead_time"`
	FCntSaveInterval uint32        `yaml:"fcnt_save_interval"`
	MaxFCntGap       uint32        `yaml:"max_fcnt_gap"`
}

// CN470Config selects the CN470 channel plan, either explicitly or from
// the TX capabilities of the concentrators
type CN470Config struct {
	Mode     string              `yaml:"mode"` // STANDARD_FDD | CUSTOM_FDD | TDD
	Hardware CN470HardwareConfig `yaml:"hardware"`
}

type CN470HardwareConfig struct {
	SupportsTX500MHz     bool `yaml:"supports_tx_500mhz"`
	SupportsTX470_490MHz bool `yaml:"supports_tx_470_490mhz"`
}

type DedupConfig struct {
	// Mode is the default gateway dedup mode: none, drop or mark
	Mode               string        `yaml:"mode"`
	ConcentratorWindow time.Duration `yaml:"concentrator_window"`
	// ClaimRetention bounds how long uplink claims are kept in Postgres
	ClaimRetention time.Duration `yaml:"claim_retention"`
}

type ADRConfig struct {
	InstallationMargin float64 `yaml:"installation_margin"`
	StepDB             float64 `yaml:"step_db"`
	MinSamples         int     `yaml:"min_samples"`
}

type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	C2DQueueSize   int           `yaml:"c2d_queue_size"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

type IntegrationConfig struct {
	Workers  int                   `yaml:"workers"`
	NATS     NATSIntegrationConfig `yaml:"nats"`
	MQTT     MQTTIntegrationConfig `yaml:"mqtt"`
	HTTP     HTTPIntegrationConfig `yaml:"http"`
	FrameLog FrameLogConfig        `yaml:"frame_log"`
}

type NATSIntegrationConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MQTTIntegrationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
}

type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// FrameLogConfig stores accepted frames in the Postgres directory
type FrameLogConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads filename, applies environment overrides and defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.setCN470Mode(); err != nil {
		return nil, fmt.Errorf("CN470 config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if instanceID := os.Getenv("NS_INSTANCE_ID"); instanceID != "" {
		c.Server.InstanceID = instanceID
	}

	if directoryURL := os.Getenv("DIRECTORY_URL"); directoryURL != "" {
		c.Directory.URL = directoryURL
	}

	if cn470Mode := os.Getenv("CN470_MODE"); cn470Mode != "" {
		c.CN470.Mode = cn470Mode
	}
}

func (c *Config) setDefaults() {
	c.setDefaultServer()
	c.setDefaultTransport()
	c.setDefaultDirectory()
	c.setDefaultNetwork()
	c.setDefaultDispatcher()
}

func (c *Config) setDefaultServer() {
	if c.Server.Name == "" {
		c.Server.Name = "lorawan-ns"
	}
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = uuid.NewString()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 30 * time.Second
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "lorawan-ns"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) setDefaultTransport() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = c.Server.Name + "-" + c.Server.InstanceID
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.TxPower == 0 {
		c.NATS.TxPower = 14
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "lorawan-ns"
	}
	if c.Integration.Workers == 0 {
		c.Integration.Workers = 8
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "lorawan-ns-" + c.Server.InstanceID
	}
}

func (c *Config) setDefaultDirectory() {
	if c.Directory.Mode == "" {
		c.Directory.Mode = DirectoryHTTP
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 2 * time.Second
	}
	if c.Directory.Coordinator == "" {
		c.Directory.Coordinator = CoordinatorNone
	}
	if c.Directory.FCntTTL == 0 {
		c.Directory.FCntTTL = 30 * 24 * time.Hour
	}
	if c.Directory.DedupTTL == 0 {
		c.Directory.DedupTTL = time.Minute
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Dedup.ClaimRetention == 0 {
		c.Dedup.ClaimRetention = time.Hour
	}
}

func (c *Config) setDefaultNetwork() {
	if c.Network.NetID == "" {
		c.Network.NetID = "000013"
	}
	if c.Network.Band == "" {
		c.Network.Band = "EU868"
	}
	if c.Network.RXLeadTime == 0 {
		c.Network.RXLeadTime = 100 * time.Millisecond
	}
	if c.Network.FCntSaveInterval == 0 {
		c.Network.FCntSaveInterval = 10
	}
	if c.Network.MaxFCntGap == 0 {
		c.Network.MaxFCntGap = 16384
	}
	if c.Dedup.Mode == "" {
		c.Dedup.Mode = models.DedupDrop.String()
	}
	if c.Dedup.ConcentratorWindow == 0 {
		c.Dedup.ConcentratorWindow = time.Minute
	}
	if c.ADR.InstallationMargin == 0 {
		c.ADR.InstallationMargin = 5
	}
	if c.ADR.StepDB == 0 {
		c.ADR.StepDB = 3
	}
	if c.ADR.MinSamples == 0 {
		c.ADR.MinSamples = models.ADRHistorySize
	}
}

func (c *Config) setDefaultDispatcher() {
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 64
	}
	if c.Dispatcher.C2DQueueSize == 0 {
		c.Dispatcher.C2DQueueSize = 16
	}
	if c.Dispatcher.FlushTimeout == 0 {
		c.Dispatcher.FlushTimeout = 5 * time.Second
	}
	if c.Dispatcher.ControlTimeout == 0 {
		c.Dispatcher.ControlTimeout = 5 * time.Second
	}
}

// setCN470Mode validates the configured CN470 mode or derives it from the
// hardware capabilities
func (c *Config) setCN470Mode() error {
	if c.Network.Band != "CN470" {
		return nil
	}

	if c.CN470.Mode == "" {
		if !c.CN470.Hardware.SupportsTX500MHz && !c.CN470.Hardware.SupportsTX470_490MHz {
			c.CN470.Hardware.SupportsTX470_490MHz = true
		}
		c.CN470.Mode = string(lorawan.GetCN470ModeForHardware(c.CN470.Hardware.SupportsTX500MHz, c.CN470.Hardware.SupportsTX470_490MHz))
	}

	mode, ok := lorawan.ParseCN470Mode(c.CN470.Mode)
	if !ok {
		return fmt.Errorf("invalid CN470 mode: %s", c.CN470.Mode)
	}
	if mode == lorawan.CN470StandardFDD && c.CN470.Hardware.SupportsTX470_490MHz && !c.CN470.Hardware.SupportsTX500MHz {
		log.Warn().Msg("Hardware doesn't support 500MHz, switching to CUSTOM_FDD")
		c.CN470.Mode = string(lorawan.CN470CustomFDD)
	}
	return nil
}

// Region resolves the configured band
func (c *Config) Region() (*lorawan.RegionConfiguration, error) {
	region, err := lorawan.GetRegionConfiguration(c.Network.Band)
	if err != nil {
		return nil, err
	}
	if c.Network.Band == "CN470" {
		region = region.WithCN470Mode(lorawan.CN470Mode(c.CN470.Mode))
	}
	return region, nil
}

// NetID parses network.net_id
func (c *Config) NetID() (lorawan.NetID, error) {
	return lorawan.ParseNetID(c.Network.NetID)
}

// DedupMode parses dedup.mode
func (c *Config) DedupMode() (models.DedupMode, error) {
	return models.ParseDedupMode(c.Dedup.Mode)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Region(); err != nil {
		errs = append(errs, fmt.Errorf("network.band: %w", err))
	}
	if _, err := c.NetID(); err != nil {
		errs = append(errs, fmt.Errorf("network.net_id: %w", err))
	}
	if _, err := c.DedupMode(); err != nil {
		errs = append(errs, fmt.Errorf("dedup.mode: %w", err))
	}

	switch c.Directory.Mode {
	case DirectoryHTTP:
		if c.Directory.URL == "" {
			errs = append(errs, errors.New("directory.url is required in http mode"))
		}
	case DirectoryPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required in postgres mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.mode: unknown mode %q", c.Directory.Mode))
	}

	switch c.Directory.Coordinator {
	case CoordinatorNone:
	case CoordinatorRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required by the redis coordinator"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.coordinator: unknown coordinator %q", c.Directory.Coordinator))
	}

	if _, err := c.Database.EncryptionKey(); err != nil {
		errs = append(errs, fmt.Errorf("database.%w", err))
	}
	if c.Integration.FrameLog.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("integration.frame_log needs database.dsn"))
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("integration.mqtt.broker_url is required"))
	}
	if c.Integration.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("integration.mqtt.qos: %d is not 0, 1 or 2", c.Integration.MQTT.QoS))
	}
	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		errs = append(errs, errors.New("integration.http.endpoint is required"))
	}

	if c.API.Enabled {
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("jwt.secret is required when the API is enabled"))
		}
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, fmt.Errorf("api.port: %d out of range", c.API.Port))
		}
	}
	for i, op := range c.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("operators[%d]: username and password_hash are required", i))
		}
	}

	if c.ADR.StepDB <= 0 {
		errs = append(errs, errors.New("adr.step_db must be positive"))
	}
	if c.ADR.MinSamples < 1 || c.ADR.MinSamples > models.ADRHistorySize {
		errs = append(errs, fmt.Errorf("adr.min_samples must be within 1..%d", models.ADRHistorySize))
	}
	if c.Network.FCntSaveInterval < 1 {
		errs = append(errs, errors.New("network.fcnt_save_interval must be positive"))
	}

	return errors.Join(errs...)
}

// PrintConfigSummary writes the effective configuration to stdout
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Network Server Configuration ===\n")
	fmt.Printf("Server: %s %s (instance %s)\n", c.Server.Name, c.Server.Version, c.Server.InstanceID)
	fmt.Printf("Network Band: %s, NetID %s\n", c.Network.Band, c.Network.NetID)
	if c.Network.Band == "CN470" {
		fmt.Printf("CN470 Mode: %s\n", c.CN470.Mode)
		fmt.Printf("Hardware TX Range: 470-490MHz = %v, 500MHz = %v\n",
			c.CN470.Hardware.SupportsTX470_490MHz,
			c.CN470.Hardware.SupportsTX500MHz)
	}
	fmt.Printf("Directory: %s (coordinator %s)\n", c.Directory.Mode, c.Directory.Coordinator)
	fmt.Printf("NATS: %s\n", c.NATS.URL)
	fmt.Printf("Dedup: %s, concentrator window %s\n", c.Dedup.Mode, c.Dedup.ConcentratorWindow)
	fmt.Printf("FCnt save interval: %d, max gap %d\n", c.Network.FCntSaveInterval, c.Network.MaxFCntGap)
	fmt.Printf("ADR: margin %.1f dB, step %.1f dB, %d samples\n", c.ADR.InstallationMargin, c.ADR.StepDB, c.ADR.MinSamples)
	fmt.Printf("Dispatcher: %d workers, C2D queue %d\n", c.Dispatcher.Workers, c.Dispatcher.C2DQueueSize)
	fmt.Printf("Integrations: nats=%v mqtt=%v http=%v frame_log=%v\n",
		c.Integration.NATS.Enabled,
		c.Integration.MQTT.Enabled,
		c.Integration.HTTP.Enabled,
		c.Integration.FrameLog.Enabled)
	if c.API.Enabled {
		fmt.Printf("API: %s (%d operators)\n", c.API.Addr(), len(c.Operators))
	}
	fmt.Printf("Log: %s/%s\n", c.Log.Level, c.Log.Format)
	fmt.Printf("==========================================\n")
}

