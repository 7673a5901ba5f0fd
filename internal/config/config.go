package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service      ServiceConfig      `koanf:"service"`
	MQTT         MQTTConfig         `koanf:"mqtt"`
	SpecialNodes map[string]string  `koanf:"special_nodes"`
	Specials     SpecialsConfig     `koanf:"special_nodes_settings"`
	Features     FeaturesConfig     `koanf:"app_features"`
	Alerts       AlertsConfig       `koanf:"alerts"`
	Battery      BatteryConfig      `koanf:"battery"`
	Ingest       IngestConfig       `koanf:"ingest"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MQTTConfig struct {
	Broker        string `koanf:"broker"`
	Port          int    `koanf:"port"`
	RootTopic     string `koanf:"root_topic"`
	ChannelName   string `koanf:"channel_name"`
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
	EncryptionKey string `koanf:"encryption_key"`
	ClientID      string `koanf:"client_id"`
}

// Topic returns the subscription filter for the configured channel.
func (m *MQTTConfig) Topic() string {
	return fmt.Sprintf("%s/%s/#", strings.TrimSuffix(m.RootTopic, "/"), m.ChannelName)
}

type SpecialsConfig struct {
	MovementThresholdMeters float64 `koanf:"movement_threshold_meters"`
	HistoryHours            int     `koanf:"history_hours"`
	StaleAfterHours         float64 `koanf:"stale_after_hours"`
	DataLimitTime           float64 `koanf:"data_limit_time"`
	PersistPath             string  `koanf:"persist_path"`
	ShowOffline             bool    `koanf:"show_offline"`
}

type FeaturesConfig struct {
	ShowAllNodes       bool `koanf:"show_all_nodes"`
	ShowGateways       bool `koanf:"show_gateways"`
	ShowPositionTrails bool `koanf:"show_position_trails"`
	TrailHistoryHours  int  `koanf:"trail_history_hours"`
}

type AlertsConfig struct {
	Enabled       bool    `koanf:"enabled"`
	CooldownHours float64 `koanf:"alert_cooldown"`
	TrackerURL    string  `koanf:"tracker_url"`
	SMTPHost      string  `koanf:"smtp_host"`
	SMTPPort      int     `koanf:"smtp_port"`
	SMTPSSL       bool    `koanf:"smtp_ssl"`
	SMTPUsername  string  `koanf:"smtp_username"`
	SMTPPassword  string  `koanf:"smtp_password"`
	EmailFrom     string  `koanf:"email_from"`
	EmailTo       string  `koanf:"email_to"`
}

type BatteryConfig struct {
	LowBatteryThreshold int `koanf:"low_battery_threshold"`
}

type IngestConfig struct {
	QueueSize        int  `koanf:"queue_size"`
	StoreRawBytes    bool `koanf:"store_raw_bytes"`
	CompressRaw      bool `koanf:"store_raw_bytes_compress"`
	ArchiveDays      int  `koanf:"archive_days"`
	RecentBufferSize int  `koanf:"recent_buffer_size"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BUOY_TRACKER_MQTT__PASSWORD → mqtt.password
	if err := k.Load(env.Provider("BUOY_TRACKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BUOY_TRACKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "mesh-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Broker:      "mqtt.meshtastic.org",
			Port:        1883,
			RootTopic:   "msh/US",
			ChannelName: "LongFast",
			Username:    "meshdev",
			ClientID:    "mesh-ingester",
		},
		Specials: SpecialsConfig{
			MovementThresholdMeters: 50,
			HistoryHours:            24,
			StaleAfterHours:         2,
			DataLimitTime:           1,
			PersistPath:             "special_nodes.json",
			ShowOffline:             true,
		},
		Features: FeaturesConfig{
			ShowGateways:       true,
			ShowPositionTrails: true,
			TrailHistoryHours:  24,
		},
		Alerts: AlertsConfig{
			CooldownHours: 1,
			SMTPPort:      587,
		},
		Battery: BatteryConfig{
			LowBatteryThreshold: 20,
		},
		Ingest: IngestConfig{
			QueueSize:        1024,
			CompressRaw:      true,
			ArchiveDays:      7,
			RecentBufferSize: 50,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("config: mqtt.port must be in 1..65535 (got %d)", c.MQTT.Port)
	}
	if c.MQTT.RootTopic == "" {
		return fmt.Errorf("config: mqtt.root_topic is required")
	}
	if c.MQTT.ChannelName == "" {
		return fmt.Errorf("config: mqtt.channel_name is required")
	}
	if c.Specials.HistoryHours <= 0 {
		return fmt.Errorf("config: special_nodes_settings.history_hours must be > 0 (got %d)", c.Specials.HistoryHours)
	}
	if c.Specials.DataLimitTime <= 0 {
		return fmt.Errorf("config: special_nodes_settings.data_limit_time must be > 0 (got %v)", c.Specials.DataLimitTime)
	}
	if c.Specials.MovementThresholdMeters < 0 {
		return fmt.Errorf("config: special_nodes_settings.movement_threshold_meters must be >= 0 (got %v)", c.Specials.MovementThresholdMeters)
	}
	if c.Specials.PersistPath == "" {
		return fmt.Errorf("config: special_nodes_settings.persist_path is required")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("config: ingest.queue_size must be > 0 (got %d)", c.Ingest.QueueSize)
	}
	if c.Ingest.ArchiveDays <= 0 {
		return fmt.Errorf("config: ingest.archive_days must be > 0 (got %d)", c.Ingest.ArchiveDays)
	}
	if c.Battery.LowBatteryThreshold < 0 || c.Battery.LowBatteryThreshold > 100 {
		return fmt.Errorf("config: battery.low_battery_threshold must be in 0..100 (got %d)", c.Battery.LowBatteryThreshold)
	}
	if c.Alerts.Enabled {
		if c.Alerts.SMTPHost == "" {
			return fmt.Errorf("config: alerts.smtp_host is required when alerts are enabled")
		}
		if c.Alerts.EmailFrom == "" || c.Alerts.EmailTo == "" {
			return fmt.Errorf("config: alerts.email_from and alerts.email_to are required when alerts are enabled")
		}
		if c.Alerts.CooldownHours <= 0 {
			return fmt.Errorf("config: alerts.alert_cooldown must be > 0 (got %v)", c.Alerts.CooldownHours)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := c.ParseSpecialNodes(); err != nil {
		return err
	}
	return nil
}
