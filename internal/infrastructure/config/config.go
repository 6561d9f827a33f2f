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

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "CANBRIDGE_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the CAN bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CAN      CANConfig      `yaml:"can"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Motion   MotionConfig   `yaml:"motion"`
	CANopen  CANopenConfig  `yaml:"canopen"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Path is the file the configuration was read from, empty when only
	// defaults and environment overrides apply.
	Path string `yaml:"-"`
}

// ServerConfig contains command server settings.
type ServerConfig struct {
	Host                string     `yaml:"host"`
	Port                int        `yaml:"port"`
	SendBuffer          int        `yaml:"send_buffer"`
	BroadcastIntervalMS int        `yaml:"broadcast_interval_ms"`
	StaleAfterMS        int        `yaml:"stale_after_ms"`
	HTTP                HTTPConfig `yaml:"http"`
}

// HTTPConfig contains the optional HTTP listener settings. The listener
// carries the WebSocket command endpoint and the status API.
type HTTPConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	WebSocketPath string    `yaml:"websocket_path"`
	API           APIConfig `yaml:"api"`
}

// APIConfig contains the read-only status API settings.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`

	// JWTSecret, when set, requires an HS256 bearer token on every API
	// route except /health.
	JWTSecret string `yaml:"jwt_secret"`

	// AllowedOrigins lists CORS origins. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CANConfig contains CAN interface settings.
type CANConfig struct {
	// Interface is "socketcan" or "slcan".
	Interface string `yaml:"interface"`

	// Channel is the SocketCAN network interface, e.g. "can0".
	Channel string `yaml:"channel"`

	// SerialPort and SerialBaud address an SLCAN adapter.
	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`

	// Bitrate is the bus bitrate in bit/s, used by SLCAN and slcand.
	Bitrate int `yaml:"bitrate"`

	ReceiveTimeoutMS int `yaml:"receive_timeout_ms"`
	ReopenIntervalMS int `yaml:"reopen_interval_ms"`

	// SLCAND runs slcand to expose an SLCAN adapter as a SocketCAN channel.
	SLCAND SLCANDConfig `yaml:"slcand"`
}

// SLCANDConfig contains settings for managing the slcand daemon.
type SLCANDConfig struct {
	// Managed indicates whether the bridge should manage slcand.
	// If false, the SocketCAN channel is expected to exist already.
	Managed bool `yaml:"managed"`

	// Binary is the path to the slcand executable.
	// Default: "/usr/bin/slcand"
	Binary string `yaml:"binary"`

	// RestartOnFailure enables automatic restart if slcand exits.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the time to wait before restarting.
	// Default: 2
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// EncoderConfig contains encoder tracking settings.
type EncoderConfig struct {
	// StateFile is the persisted tracked-node record.
	StateFile string `yaml:"state_file"`

	// DefaultNodes are tracked when StateFile is missing or unreadable.
	DefaultNodes []int `yaml:"default_nodes"`

	Resolution int     `yaml:"resolution"`
	FullCircle float64 `yaml:"full_circle"`
}

// MotionConfig contains motor command settings.
type MotionConfig struct {
	StepperID      int `yaml:"stepper_id"`
	AckTimeoutMS   int `yaml:"ack_timeout_ms"`
	ResetTimeoutMS int `yaml:"reset_timeout_ms"`
}

// CANopenConfig contains node rename timings.
type CANopenConfig struct {
	SDOTimeoutMS  int `yaml:"sdo_timeout_ms"`
	HeartbeatMS   int `yaml:"heartbeat_ms"`
	StoreDelayMS  int `yaml:"store_delay_ms"`
	NMTDelayMS    int `yaml:"nmt_delay_ms"`
	RebootDelayMS int `yaml:"reboot_delay_ms"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes command log entries older than this many
	// days. Zero keeps everything. Rename history is never pruned.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishIntervalMS is the encoder state publish period.
	PublishIntervalMS int `yaml:"publish_interval_ms"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// Tags are added to every point, e.g. site or rig.
	Tags map[string]string `yaml:"tags"`

	// SampleIntervalMS is how often encoder state is written.
	SampleIntervalMS int `yaml:"sample_interval_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json, text or console
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped if the file does not exist
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CANBRIDGE_SECTION_KEY
// For example: CANBRIDGE_CAN_CHANNEL, CANBRIDGE_SERVER_PORT
//
// Returns:
//   - *Config: Loaded and validated configuration; Path is empty when the
//     file was missing
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		cfg.Path = path
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// PathFromEnv returns the config path from CANBRIDGE_CONFIG or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultPath
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                5000,
			SendBuffer:          64,
			BroadcastIntervalMS: 100,
			StaleAfterMS:        1000,
			HTTP: HTTPConfig{
				Host:          "0.0.0.0",
				Port:          5080,
				WebSocketPath: "/ws",
				API:           APIConfig{Enabled: true},
			},
		},
		CAN: CANConfig{
			Interface:        "socketcan",
			Channel:          "can0",
			SerialBaud:       115200,
			Bitrate:          500000,
			ReceiveTimeoutMS: 100,
			ReopenIntervalMS: 1000,
			SLCAND: SLCANDConfig{
				Binary:              "/usr/bin/slcand",
				RestartOnFailure:    true,
				RestartDelaySeconds: 2,
			},
		},
		Encoder: EncoderConfig{
			StateFile:    "./data/encoder_config.json",
			DefaultNodes: []int{3, 4},
			Resolution:   1024,
			FullCircle:   360,
		},
		Motion: MotionConfig{
			StepperID:      0x101,
			AckTimeoutMS:   1000,
			ResetTimeoutMS: 1000,
		},
		CANopen: CANopenConfig{
			SDOTimeoutMS:  1000,
			HeartbeatMS:   1000,
			StoreDelayMS:  500,
			NMTDelayMS:    200,
			RebootDelayMS: 2000,
		},
		Database: DatabaseConfig{
			Path:          "./data/canbridge.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "canbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			PublishIntervalMS: 1000,
		},
		InfluxDB: InfluxDBConfig{
			URL:              "http://localhost:8086",
			Org:              "canbridge",
			Bucket:           "encoders",
			BatchSize:        100,
			FlushInterval:    10,
			SampleIntervalMS: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CANBRIDGE_SECTION_KEY
// Unparseable numbers are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CANBRIDGE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	envInt("CANBRIDGE_SERVER_PORT", &cfg.Server.Port)
	if v := os.Getenv("CANBRIDGE_API_JWT_SECRET"); v != "" {
		cfg.Server.HTTP.API.JWTSecret = v
	}

	// CAN
	if v := os.Getenv("CANBRIDGE_CAN_INTERFACE"); v != "" {
		cfg.CAN.Interface = v
	}
	if v := os.Getenv("CANBRIDGE_CAN_CHANNEL"); v != "" {
		cfg.CAN.Channel = v
	}
	if v := os.Getenv("CANBRIDGE_CAN_SERIAL_PORT"); v != "" {
		cfg.CAN.SerialPort = v
	}
	envInt("CANBRIDGE_CAN_BITRATE", &cfg.CAN.Bitrate)

	// Encoder
	if v := os.Getenv("CANBRIDGE_ENCODER_STATE_FILE"); v != "" {
		cfg.Encoder.StateFile = v
	}

	// Database
	if v := os.Getenv("CANBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CANBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CANBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CANBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("CANBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("CANBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.BroadcastIntervalMS < 1 || c.Server.BroadcastIntervalMS > 150 {
		errs = append(errs, "server.broadcast_interval_ms must be between 1 and 150")
	}
	if c.Server.HTTP.Enabled {
		if c.Server.HTTP.Port < 1 || c.Server.HTTP.Port > 65535 {
			errs = append(errs, "server.http.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Server.HTTP.WebSocketPath, "/") || strings.HasPrefix(c.Server.HTTP.WebSocketPath, "/api/") {
			errs = append(errs, "server.http.websocket_path must start with / and must not be under /api/")
		}
	}
	// Short secrets make forged tokens practical.
	const minJWTSecretLength = 32
	if s := c.Server.HTTP.API.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "server.http.api.jwt_secret must be at least 32 characters")
	}

	// CAN validation
	switch c.CAN.Interface {
	case "socketcan":
		if c.CAN.Channel == "" {
			errs = append(errs, "can.channel is required for socketcan")
		}
	case "slcan":
		if c.CAN.SerialPort == "" {
			errs = append(errs, "can.serial_port is required for slcan")
		}
		if c.CAN.SLCAND.Managed {
			errs = append(errs, "can.slcand.managed requires can.interface socketcan")
		}
	default:
		errs = append(errs, "can.interface must be socketcan or slcan")
	}
	if c.CAN.SLCAND.Managed && c.CAN.SerialPort == "" {
		errs = append(errs, "can.serial_port is required when can.slcand.managed is set")
	}
	if c.CAN.ReceiveTimeoutMS < 1 || c.CAN.ReceiveTimeoutMS > 150 {
		errs = append(errs, "can.receive_timeout_ms must be between 1 and 150")
	}

	// Encoder validation
	if c.Encoder.StateFile == "" {
		errs = append(errs, "encoder.state_file is required")
	}
	if c.Encoder.Resolution <= 0 {
		errs = append(errs, "encoder.resolution must be positive")
	}
	if c.Encoder.FullCircle <= 0 {
		errs = append(errs, "encoder.full_circle must be positive")
	}
	for _, id := range c.Encoder.DefaultNodes {
		if id < 1 || id > 127 {
			errs = append(errs, fmt.Sprintf("encoder.default_nodes: %d is outside 1..127", id))
		}
	}

	// Motion validation
	if c.Motion.StepperID < 1 || c.Motion.StepperID > 0x7FF {
		errs = append(errs, "motion.stepper_id must be an 11-bit CAN id")
	}
	if c.Motion.AckTimeoutMS <= 0 || c.Motion.ResetTimeoutMS <= 0 {
		errs = append(errs, "motion timeouts must be positive")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ListenAddr returns the command server address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HTTPAddr returns the HTTP listener address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.HTTP.Host, c.Server.HTTP.Port)
}

// BroadcastInterval returns the encoder push period.
func (c *Config) BroadcastInterval() time.Duration {
	return ms(c.Server.BroadcastIntervalMS)
}

// StaleAfter returns the node silence window.
func (c *Config) StaleAfter() time.Duration {
	return ms(c.Server.StaleAfterMS)
}

// ReceiveTimeout returns the bus poll bound.
func (c *Config) ReceiveTimeout() time.Duration {
	return ms(c.CAN.ReceiveTimeoutMS)
}

// ReopenInterval returns the initial bus reopen backoff.
func (c *Config) ReopenInterval() time.Duration {
	return ms(c.CAN.ReopenIntervalMS)
}

// AckTimeout returns the stepper acknowledgement timeout.
func (c *Config) AckTimeout() time.Duration {
	return ms(c.Motion.AckTimeoutMS)
}

// ResetTimeout returns the encoder reset timeout.
func (c *Config) ResetTimeout() time.Duration {
	return ms(c.Motion.ResetTimeoutMS)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
