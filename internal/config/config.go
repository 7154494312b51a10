package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "conduit.cfg.json"

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// SetDefaults registers every default without reading a file.
func SetDefaults() {
	viper.SetDefault("host", "localhost")
	viper.SetDefault("port", 3001)
	viper.SetDefault("autoConnect", false)
	viper.SetDefault("autoCreateTokens", true)
	viper.SetDefault("autoHeartbeat", true)
	viper.SetDefault("debugMode", false)
	viper.SetDefault("calibrationData", map[string]any{})
	viper.SetDefault("autoSync", false)
	viper.SetDefault("autoSyncInterval", "30s")

	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./conduitlogs")

	viper.SetDefault("scene.storage", "memory")
	viper.SetDefault("scene.sqlitePath", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "conduit")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "bifrost")
	viper.SetDefault("influx.bucket", "conduit")
	viper.SetDefault("influx.backupPath", "./conduitlogs/telemetry.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "conduit")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// TransportConfig holds tracking server connection settings.
type TransportConfig struct {
	Host        string
	Port        int
	AutoConnect bool
	Heartbeat   bool
}

func GetTransportConfig() TransportConfig {
	return TransportConfig{
		Host:        viper.GetString("host"),
		Port:        viper.GetInt("port"),
		AutoConnect: viper.GetBool("autoConnect"),
		Heartbeat:   viper.GetBool("autoHeartbeat"),
	}
}

// SyncConfig holds token tracking and auto-sync settings.
type SyncConfig struct {
	AutoCreateTokens bool
	AutoSync         bool
	AutoSyncInterval time.Duration
}

func GetSyncConfig() SyncConfig {
	return SyncConfig{
		AutoCreateTokens: viper.GetBool("autoCreateTokens"),
		AutoSync:         viper.GetBool("autoSync"),
		AutoSyncInterval: viper.GetDuration("autoSyncInterval"),
	}
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// SceneConfig selects the host scene store.
type SceneConfig struct {
	Storage    string // memory, sqlite or postgres
	SQLitePath string
	DB         DBConfig
}

func GetSceneConfig() SceneConfig {
	return SceneConfig{
		Storage:    viper.GetString("scene.storage"),
		SQLitePath: viper.GetString("scene.sqlitePath"),
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// OTelConfig holds OpenTelemetry log export settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// LogLevel is the effective level name; debugMode forces debug.
func LogLevel() string {
	if viper.GetBool("debugMode") {
		return "debug"
	}
	return viper.GetString("logLevel")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Settings persists the calibration blob back into the config file.
type Settings struct {
	mu   sync.Mutex
	path string
}

// NewSettings writes to the loaded config file, or to FileName in
// configDir when none was read.
func NewSettings(configDir string) *Settings {
	path := viper.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(configDir, FileName)
	}
	return &Settings{path: path}
}

func (s *Settings) Calibration() map[string]any {
	return viper.GetStringMap("calibrationData")
}

func (s *Settings) SetCalibration(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viper.Set("calibrationData", data)
	if err := viper.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
