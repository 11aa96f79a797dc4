package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureConfig selects where packets come from. Mode is one of "live",
// "pcap", "nats" or "synthetic".
type CaptureConfig struct {
	Mode          string  `yaml:"mode"`
	Interface     string  `yaml:"interface"`
	PcapFile      string  `yaml:"pcap_file"`
	BPFFilter     string  `yaml:"bpf_filter"`
	SnapshotLen   int32   `yaml:"snapshot_len"`
	Promiscuous   bool    `yaml:"promiscuous"`
	SyntheticRate int     `yaml:"synthetic_rate"`
	AttackRatio   float64 `yaml:"attack_ratio"`
}

// ClassifierConfig holds the model artifact location and the detection dial.
type ClassifierConfig struct {
	ModelPath          string  `yaml:"model_path"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	WatchModel         bool    `yaml:"watch_model"`
}

// RedisIntelConfig points at a Redis set of known-bad addresses.
type RedisIntelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	Timeout  string `yaml:"timeout"`
}

// ThreatConfig tunes the heuristic layer of the threat aggregator.
type ThreatConfig struct {
	KnownBadAddresses  []string         `yaml:"known_bad_addresses"`
	RedisIntel         RedisIntelConfig `yaml:"redis_intel"`
	SuspiciousPorts    []uint16         `yaml:"suspicious_ports"`
	InternalNetworks   []string         `yaml:"internal_networks"`
	MinPacketSize      int              `yaml:"min_packet_size"`
	MaxPacketSize      int              `yaml:"max_packet_size"`
	SuspiciousTTLBelow uint8            `yaml:"suspicious_ttl_below"`
}

// DurationTierDef maps a minimum confidence to a block duration.
type DurationTierDef struct {
	MinConfidence float64 `yaml:"min_confidence"`
	Duration      string  `yaml:"duration"`
}

// FirewallConfig selects the firewall collaborator. Type is "iptables" or
// "noop".
type FirewallConfig struct {
	Type         string `yaml:"type"`
	Chain        string `yaml:"chain"`
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// BlockConfig holds the block decision and expiry policy. RepeatPolicy is
// "ignore" or "extend".
type BlockConfig struct {
	Threshold     float64           `yaml:"threshold"`
	BaseDuration  string            `yaml:"base_duration"`
	DurationTiers []DurationTierDef `yaml:"duration_tiers"`
	RepeatPolicy  string            `yaml:"repeat_policy"`
	SweepInterval string            `yaml:"sweep_interval"`
	Whitelist     []string          `yaml:"whitelist"`
	Firewall      FirewallConfig    `yaml:"firewall"`
}

// EngineConfig sizes the ingestion loop.
type EngineConfig struct {
	NumWorkers          int `yaml:"num_workers"`
	SizeOfPacketChannel int `yaml:"size_of_packet_channel"`
	PacketHistory       int `yaml:"packet_history"`
	ThreatHistory       int `yaml:"threat_history"`
	EventHistory        int `yaml:"event_history"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PersistenceConfig configures the audit trail. Writer is "text", "gob" or
// "clickhouse".
type PersistenceConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Writer            string           `yaml:"writer"`
	Path              string           `yaml:"path"`
	ChannelBufferSize int              `yaml:"channel_buffer_size"`
	BatchSize         int              `yaml:"batch_size"`
	FlushInterval     string           `yaml:"flush_interval"`
	PersistPackets    bool             `yaml:"persist_packets"`
	ClickHouse        ClickHouseConfig `yaml:"clickhouse"`
}

// ProbeConfig holds the NATS transport for packet records and engine events.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// EventsConfig configures publishing of threats and system events.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// APIConfig holds the reporting HTTP API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// GRPCConfig holds the gRPC health endpoint settings.
type GRPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Capture     CaptureConfig     `yaml:"capture"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Threat      ThreatConfig      `yaml:"threat"`
	Block       BlockConfig       `yaml:"block"`
	Engine      EngineConfig      `yaml:"engine"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Probe       ProbeConfig       `yaml:"probe"`
	Events      EventsConfig      `yaml:"events"`
	API         APIConfig         `yaml:"api"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the configuration used when no file or value is supplied.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Mode:          "synthetic",
			Interface:     "eth0",
			SnapshotLen:   1600,
			Promiscuous:   true,
			SyntheticRate: 200,
			AttackRatio:   0.1,
		},
		Classifier: ClassifierConfig{
			ModelPath:          "models/forest.json",
			DetectionThreshold: 0.7,
			WatchModel:         true,
		},
		Threat: ThreatConfig{
			RedisIntel: RedisIntelConfig{
				Addr:    "localhost:6379",
				Key:     "nidps:known_bad",
				Timeout: "50ms",
			},
			SuspiciousPorts:    []uint16{31337, 4444, 1337, 6666, 6667, 12345, 54321, 27374, 5554, 9996},
			InternalNetworks:   []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "fc00::/7", "::1/128"},
			MinPacketSize:      60,
			MaxPacketSize:      1514,
			SuspiciousTTLBelow: 20,
		},
		Block: BlockConfig{
			Threshold:    0.7,
			BaseDuration: "10m",
			DurationTiers: []DurationTierDef{
				{MinConfidence: 0.95, Duration: "1h"},
				{MinConfidence: 0.85, Duration: "30m"},
			},
			RepeatPolicy:  "ignore",
			SweepInterval: "30s",
			Whitelist:     []string{"127.0.0.1", "::1"},
			Firewall: FirewallConfig{
				Type:         "noop",
				Chain:        "INPUT",
				MaxAttempts:  3,
				RetryBackoff: "200ms",
			},
		},
		Engine: EngineConfig{
			NumWorkers:          4,
			SizeOfPacketChannel: 4096,
			PacketHistory:       1000,
			ThreatHistory:       500,
			EventHistory:        500,
		},
		Persistence: PersistenceConfig{
			Enabled:           false,
			Writer:            "text",
			Path:              "data/audit",
			ChannelBufferSize: 10000,
			BatchSize:         500,
			FlushInterval:     "2s",
			PersistPackets:    true,
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
		},
		Probe: ProbeConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "nidps.packets.raw",
		},
		Events: EventsConfig{
			Enabled:       false,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "nidps",
		},
		API:  APIConfig{ListenAddr: ":8080"},
		GRPC: GRPCConfig{ListenAddr: ":9090"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML file and overlays it on the
// defaults. An empty path returns the defaults.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()
	if filePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.fillZeroes()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillZeroes restores defaults for numeric values that were explicitly zeroed
// or left empty in the file, so a partial file never yields an unusable engine.
func (c *Config) fillZeroes() {
	d := Default()
	if c.Classifier.DetectionThreshold <= 0 {
		c.Classifier.DetectionThreshold = d.Classifier.DetectionThreshold
	}
	if c.Block.Threshold <= 0 {
		c.Block.Threshold = d.Block.Threshold
	}
	if c.Engine.NumWorkers <= 0 {
		c.Engine.NumWorkers = d.Engine.NumWorkers
	}
	if c.Engine.SizeOfPacketChannel <= 0 {
		c.Engine.SizeOfPacketChannel = d.Engine.SizeOfPacketChannel
	}
	if c.Engine.PacketHistory <= 0 {
		c.Engine.PacketHistory = d.Engine.PacketHistory
	}
	if c.Engine.ThreatHistory <= 0 {
		c.Engine.ThreatHistory = d.Engine.ThreatHistory
	}
	if c.Engine.EventHistory <= 0 {
		c.Engine.EventHistory = d.Engine.EventHistory
	}
	if c.Block.Firewall.MaxAttempts <= 0 {
		c.Block.Firewall.MaxAttempts = d.Block.Firewall.MaxAttempts
	}
	if c.Persistence.ChannelBufferSize <= 0 {
		c.Persistence.ChannelBufferSize = d.Persistence.ChannelBufferSize
	}
	if c.Persistence.BatchSize <= 0 {
		c.Persistence.BatchSize = d.Persistence.BatchSize
	}
}

// Validate rejects values that cannot be defaulted safely.
func (c *Config) Validate() error {
	var errs []error
	if c.Classifier.DetectionThreshold > 1 {
		errs = append(errs, fmt.Errorf("classifier.detection_threshold must be in (0,1], got %v", c.Classifier.DetectionThreshold))
	}
	if c.Block.Threshold > 1 {
		errs = append(errs, fmt.Errorf("block.threshold must be in (0,1], got %v", c.Block.Threshold))
	}
	switch c.Block.RepeatPolicy {
	case "", "ignore", "extend":
	default:
		errs = append(errs, fmt.Errorf("block.repeat_policy must be 'ignore' or 'extend', got %q", c.Block.RepeatPolicy))
	}
	return errors.Join(errs...)
}

// Duration parses s, returning def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
