package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	State     StateConfig     `json:"state" yaml:"state"`
	ML        MLConfig        `json:"ml" yaml:"ml"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Sink      SinkConfig      `json:"sink" yaml:"sink"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alarms    AlarmsConfig    `json:"alarms" yaml:"alarms"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	// MeterUnit is the unit the gateway reports cumulative energy in;
	// everything past the parser works in kWh.
	MeterUnit   string `json:"meter_unit" yaml:"meter_unit"`
	DefaultCPID string `json:"default_cp_id" yaml:"default_cp_id"`
}

type DetectionConfig struct {
	AuthMaxAge         time.Duration      `json:"auth_max_age" yaml:"auth_max_age"`
	OrphanTimeout      time.Duration      `json:"orphan_timeout" yaml:"orphan_timeout"`
	ReplayWindow       time.Duration      `json:"replay_window" yaml:"replay_window"`
	ZeroEnergyStreak   int                `json:"zero_energy_streak" yaml:"zero_energy_streak"`
	UnderReportStreak  int                `json:"under_report_streak" yaml:"under_report_streak"`
	MaxClockSkew       time.Duration      `json:"max_clock_skew" yaml:"max_clock_skew"`
	ThermalMaxGradient float64            `json:"thermal_max_gradient" yaml:"thermal_max_gradient"`
	MaxChargeRateKW    float64            `json:"max_charge_rate_kw" yaml:"max_charge_rate_kw"`
	MinChargingRateKW  float64            `json:"min_charging_rate_kw" yaml:"min_charging_rate_kw"`
	RateTolerance      float64            `json:"rate_tolerance" yaml:"rate_tolerance"`
	ChargeProfiles     map[string]float64 `json:"charge_profiles" yaml:"charge_profiles"`
	FleetSize          int                `json:"fleet_size" yaml:"fleet_size"`
}

type StateConfig struct {
	Window time.Duration `json:"window" yaml:"window"`
}

type MLConfig struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
}

type PolicyConfig struct {
	HighConfidenceGate   float64 `json:"high_confidence_gate" yaml:"high_confidence_gate"`
	MediumConfidenceGate float64 `json:"medium_confidence_gate" yaml:"medium_confidence_gate"`
}

type SinkConfig struct {
	File  FileSinkConfig  `json:"file" yaml:"file"`
	Kafka KafkaSinkConfig `json:"kafka" yaml:"kafka"`
}

type FileSinkConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlarmsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type TelemetryConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{MeterUnit: "kwh", DefaultCPID: "unknown"},
		},
		Detection: DetectionConfig{
			AuthMaxAge:         30 * time.Second,
			OrphanTimeout:      30 * time.Second,
			ReplayWindow:       60 * time.Second,
			ZeroEnergyStreak:   5,
			UnderReportStreak:  3,
			MaxClockSkew:       300 * time.Second,
			ThermalMaxGradient: 2.0,
			MaxChargeRateKW:    22.0,
			MinChargingRateKW:  0.1,
			RateTolerance:      1.5,
			FleetSize:          1024,
		},
		State:  StateConfig{Window: 10 * time.Second},
		ML:     MLConfig{ModelPath: "models/isolation_forest_v1.json"},
		Policy: PolicyConfig{HighConfidenceGate: 0.7, MediumConfidenceGate: 0.3},
		Sink: SinkConfig{
			File:  FileSinkConfig{Enabled: true, Path: "logs/security_events.jsonl"},
			Kafka: KafkaSinkConfig{Enabled: false},
		},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:cpguard.db?_pragma=busy_timeout(5000)"},
		Alarms:    AlarmsConfig{StoreLimit: 1000},
		Telemetry: TelemetryConfig{StoreLimit: 5000},
	}
}

// MaxRateKW returns the expected maximum charge rate for a charge point,
// falling back to the fleet-wide default when no profile exists.
func (d DetectionConfig) MaxRateKW(cpID string) float64 {
	if d.ChargeProfiles != nil {
		if kw, ok := d.ChargeProfiles[cpID]; ok && kw > 0 {
			return kw
		}
	}
	return d.MaxChargeRateKW
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.MeterUnit == "" {
		cfg.Ingest.Parser.MeterUnit = def.Ingest.Parser.MeterUnit
	}
	if cfg.Ingest.Parser.DefaultCPID == "" {
		cfg.Ingest.Parser.DefaultCPID = def.Ingest.Parser.DefaultCPID
	}
	if cfg.Detection.AuthMaxAge <= 0 {
		cfg.Detection.AuthMaxAge = def.Detection.AuthMaxAge
	}
	if cfg.Detection.OrphanTimeout <= 0 {
		cfg.Detection.OrphanTimeout = def.Detection.OrphanTimeout
	}
	if cfg.Detection.ReplayWindow <= 0 {
		cfg.Detection.ReplayWindow = def.Detection.ReplayWindow
	}
	if cfg.Detection.ZeroEnergyStreak <= 0 {
		cfg.Detection.ZeroEnergyStreak = def.Detection.ZeroEnergyStreak
	}
	if cfg.Detection.UnderReportStreak <= 0 {
		cfg.Detection.UnderReportStreak = def.Detection.UnderReportStreak
	}
	if cfg.Detection.MaxClockSkew <= 0 {
		cfg.Detection.MaxClockSkew = def.Detection.MaxClockSkew
	}
	if cfg.Detection.ThermalMaxGradient <= 0 {
		cfg.Detection.ThermalMaxGradient = def.Detection.ThermalMaxGradient
	}
	if cfg.Detection.MaxChargeRateKW <= 0 {
		cfg.Detection.MaxChargeRateKW = def.Detection.MaxChargeRateKW
	}
	if cfg.Detection.MinChargingRateKW <= 0 {
		cfg.Detection.MinChargingRateKW = def.Detection.MinChargingRateKW
	}
	if cfg.Detection.RateTolerance <= 0 {
		cfg.Detection.RateTolerance = def.Detection.RateTolerance
	}
	if cfg.Detection.FleetSize <= 0 {
		cfg.Detection.FleetSize = def.Detection.FleetSize
	}
	if cfg.State.Window <= 0 {
		cfg.State.Window = def.State.Window
	}
	if cfg.Policy.HighConfidenceGate <= 0 {
		cfg.Policy.HighConfidenceGate = def.Policy.HighConfidenceGate
	}
	if cfg.Policy.MediumConfidenceGate <= 0 {
		cfg.Policy.MediumConfidenceGate = def.Policy.MediumConfidenceGate
	}
	if cfg.Alarms.StoreLimit <= 0 {
		cfg.Alarms.StoreLimit = def.Alarms.StoreLimit
	}
	if cfg.Telemetry.StoreLimit <= 0 {
		cfg.Telemetry.StoreLimit = def.Telemetry.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Ingest.Parser.MeterUnit) {
	case "kwh", "wh":
	default:
		return fmt.Errorf("ingest.parser.meter_unit must be kwh or wh, got %q", cfg.Ingest.Parser.MeterUnit)
	}
	if cfg.Policy.HighConfidenceGate <= 0 || cfg.Policy.HighConfidenceGate > 1 {
		return errors.New("policy.high_confidence_gate must be in (0,1]")
	}
	if cfg.Policy.MediumConfidenceGate <= 0 || cfg.Policy.MediumConfidenceGate > 1 {
		return errors.New("policy.medium_confidence_gate must be in (0,1]")
	}
	if cfg.Sink.Kafka.Enabled {
		if len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "" {
			return errors.New("sink.kafka requires brokers and topic")
		}
	}
	if cfg.Sink.File.Enabled && cfg.Sink.File.Path == "" {
		return errors.New("sink.file.path required when sink.file.enabled is true")
	}
	for cp, kw := range cfg.Detection.ChargeProfiles {
		if kw <= 0 {
			return fmt.Errorf("detection.charge_profiles[%s] must be > 0", cp)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file; Reload
// and Watch are no-ops. Used by embedders and tests.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
