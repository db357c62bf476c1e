package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageModeDatabase = "database"
	StorageModeFiles    = "files"

	DuplicatePolicyUpdate = "update"
	DuplicatePolicyReject = "reject"

	DetectorModeSimulated = "simulated"
	DetectorModeRemote    = "remote"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type StorageConfig struct {
	Mode          string
	ResultsDir    string
	BatchDir      string
	StatsCacheTTL time.Duration
}

type RepairConfig struct {
	LedgerPath      string
	DuplicatePolicy string
}

type DetectorConfig struct {
	Mode string
	URL  string
	Seed int64
}

type MapConfig struct {
	DemoMode          bool
	CenterLat         float64
	CenterLon         float64
	Jitter            float64
	HotspotResolution int
	HotspotLimit      int
}

type AlertConfig struct {
	SettingsPath string
}

type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	PhoneNumber   string
	BaseURL       string
	RatePerSecond float64
	Burst         int
}

// Configured reports whether all three credentials are present.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.PhoneNumber != ""
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Storage     StorageConfig
	Repair      RepairConfig
	Detector    DetectorConfig
	Map         MapConfig
	Alerts      AlertConfig
	Twilio      TwilioConfig
}

// Load reads app.env and the environment and validates the full service
// configuration.
func Load() (*Config, error) {
	return load(true)
}

// LoadStorage is Load for offline tools that never serve HTTP, so no token
// secret is required.
func LoadStorage() (*Config, error) {
	return load(false)
}

func load(requireAuth bool) (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()
	setDefaults(v)

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DATABASE_URL"),
			SQLitePath:      v.GetString("SQLITE_PATH"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Storage: StorageConfig{
			Mode:          v.GetString("STORAGE_MODE"),
			ResultsDir:    v.GetString("RESULTS_DIR"),
			BatchDir:      v.GetString("BATCH_INPUT_DIR"),
			StatsCacheTTL: v.GetDuration("STATS_CACHE_TTL"),
		},
		Repair: RepairConfig{
			LedgerPath:      v.GetString("REPAIR_LEDGER_PATH"),
			DuplicatePolicy: v.GetString("REPAIR_DUPLICATE_POLICY"),
		},
		Detector: DetectorConfig{
			Mode: v.GetString("DETECTOR_MODE"),
			URL:  v.GetString("DETECTOR_URL"),
			Seed: v.GetInt64("DETECTOR_SEED"),
		},
		Map: MapConfig{
			DemoMode:          v.GetBool("MAP_DEMO_MODE"),
			CenterLat:         v.GetFloat64("MAP_CENTER_LAT"),
			CenterLon:         v.GetFloat64("MAP_CENTER_LON"),
			Jitter:            v.GetFloat64("MAP_JITTER"),
			HotspotResolution: v.GetInt("HOTSPOT_RESOLUTION"),
			HotspotLimit:      v.GetInt("HOTSPOT_LIMIT"),
		},
		Alerts: AlertConfig{
			SettingsPath: v.GetString("ALERT_SETTINGS_PATH"),
		},
		Twilio: TwilioConfig{
			AccountSID:    v.GetString("TWILIO_ACCOUNT_SID"),
			AuthToken:     v.GetString("TWILIO_AUTH_TOKEN"),
			PhoneNumber:   v.GetString("TWILIO_PHONE_NUMBER"),
			BaseURL:       v.GetString("TWILIO_BASE_URL"),
			RatePerSecond: v.GetFloat64("SMS_RATE_PER_SECOND"),
			Burst:         v.GetInt("SMS_BURST"),
		},
	}

	if err := validate(cfg, requireAuth); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("SQLITE_PATH", "data/pothole_detection.db")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("STORAGE_MODE", StorageModeDatabase)
	v.SetDefault("RESULTS_DIR", "data/results")
	v.SetDefault("BATCH_INPUT_DIR", "data/batch")
	v.SetDefault("STATS_CACHE_TTL", 5*time.Minute)
	v.SetDefault("REPAIR_LEDGER_PATH", "data/repair_requests.json")
	v.SetDefault("REPAIR_DUPLICATE_POLICY", DuplicatePolicyUpdate)
	v.SetDefault("DETECTOR_MODE", DetectorModeSimulated)
	v.SetDefault("MAP_CENTER_LAT", 40.7128)
	v.SetDefault("MAP_CENTER_LON", -74.0060)
	v.SetDefault("MAP_JITTER", 0.05)
	v.SetDefault("HOTSPOT_RESOLUTION", 1)
	v.SetDefault("HOTSPOT_LIMIT", 10)
	v.SetDefault("ALERT_SETTINGS_PATH", "data/alert_settings.yaml")
	v.SetDefault("TWILIO_BASE_URL", "https://api.twilio.com")
	v.SetDefault("SMS_RATE_PER_SECOND", 1.0)
	v.SetDefault("SMS_BURST", 5)
}

func validate(cfg *Config, requireAuth bool) error {
	if requireAuth && cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	switch cfg.Storage.Mode {
	case StorageModeDatabase, StorageModeFiles:
	default:
		return fmt.Errorf("STORAGE_MODE must be %q or %q, got %q", StorageModeDatabase, StorageModeFiles, cfg.Storage.Mode)
	}
	switch cfg.Repair.DuplicatePolicy {
	case DuplicatePolicyUpdate, DuplicatePolicyReject:
	default:
		return fmt.Errorf("REPAIR_DUPLICATE_POLICY must be %q or %q, got %q", DuplicatePolicyUpdate, DuplicatePolicyReject, cfg.Repair.DuplicatePolicy)
	}
	switch cfg.Detector.Mode {
	case DetectorModeSimulated:
	case DetectorModeRemote:
		if cfg.Detector.URL == "" {
			return fmt.Errorf("DETECTOR_URL is required when DETECTOR_MODE=%s", DetectorModeRemote)
		}
	default:
		return fmt.Errorf("unknown DETECTOR_MODE %q", cfg.Detector.Mode)
	}
	if cfg.Storage.StatsCacheTTL <= 0 {
		return fmt.Errorf("STATS_CACHE_TTL must be positive")
	}
	if cfg.Map.HotspotResolution < 0 || cfg.Map.HotspotResolution > 6 {
		return fmt.Errorf("HOTSPOT_RESOLUTION must be between 0 and 6")
	}
	if cfg.Map.HotspotLimit <= 0 {
		return fmt.Errorf("HOTSPOT_LIMIT must be positive")
	}
	return nil
}
