package config

import (
	"encoding/json"
	"time"
)

// Config is the complete depthgraph CLI configuration
type Config struct {
	Log      LogConfig      `json:"log"      yaml:"log"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Device   DeviceConfig   `json:"device"   yaml:"device"`
	Metrics  MetricsConfig  `json:"metrics"  yaml:"metrics"`
	NATS     NATSConfig     `json:"nats"     yaml:"nats"`
	Preview  PreviewConfig  `json:"preview"  yaml:"preview"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}

// PipelineConfig describes the graph the CLI builds before opening a session
type PipelineConfig struct {
	Name      string           `json:"name"      yaml:"name"`
	Nodes     []NodeConfig     `json:"nodes"     yaml:"nodes"     validate:"required,min=1,dive"`
	Links     []LinkConfig     `json:"links"     yaml:"links"     validate:"dive"`
	Consumers []ConsumerConfig `json:"consumers" yaml:"consumers" validate:"dive"`
}

// NodeConfig creates one node. Outputs names entries requested from a
// dynamic output map; Inputs tunes existing inputs or, on host kinds,
// creates them.
type NodeConfig struct {
	Alias   string        `json:"alias"   yaml:"alias"   validate:"required,excludesall=.[] "`
	Kind    string        `json:"kind"    yaml:"kind"    validate:"required,nodekind"`
	Outputs []string      `json:"outputs" yaml:"outputs" validate:"dive,required"`
	Inputs  []InputConfig `json:"inputs"  yaml:"inputs"  validate:"dive"`
}

// InputConfig overrides an input's queue behavior
type InputConfig struct {
	Name     string `json:"name"       yaml:"name"       validate:"required"`
	Group    string `json:"group"      yaml:"group"`
	Size     int    `json:"queue_size" yaml:"queue_size" validate:"omitempty,gt=0"`
	Blocking *bool  `json:"blocking"   yaml:"blocking"`
}

// LinkConfig connects two nodes. From and To are port references: "alias"
// lets the linker pick the port, "alias.port" names it and
// "alias.group[port]" names a map entry.
type LinkConfig struct {
	From string `json:"from" yaml:"from" validate:"required,portref"`
	To   string `json:"to"   yaml:"to"   validate:"required,portref"`
}

// ConsumerConfig attaches a host-side queue to an output
type ConsumerConfig struct {
	Output   string   `json:"output"     yaml:"output"     validate:"required,portref"`
	Size     int      `json:"queue_size" yaml:"queue_size" validate:"gt=0"`
	Blocking bool     `json:"blocking"   yaml:"blocking"`
	Taps     []string `json:"taps"       yaml:"taps"       validate:"dive,oneof=nats preview"`
}

// DeviceConfig selects the device to open
type DeviceConfig struct {
	ID          string    `json:"id"           yaml:"id"`
	Wait        bool      `json:"wait"         yaml:"wait"`
	WaitTimeout Duration  `json:"wait_timeout" yaml:"wait_timeout"`
	Simulate    bool      `json:"simulate"     yaml:"simulate"`
	Sim         SimConfig `json:"sim"          yaml:"sim"`
}

// SimConfig configures the simulated transport
type SimConfig struct {
	Devices []string `json:"devices" yaml:"devices" validate:"dive,required"`
	FPS     float64  `json:"fps"     yaml:"fps"     validate:"gte=0"`
	Width   int      `json:"width"   yaml:"width"   validate:"gte=0"`
	Height  int      `json:"height"  yaml:"height"  validate:"gte=0"`
}

// MetricsConfig controls the /metrics and /health server
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr"    yaml:"addr"    validate:"required_if=Enabled true"`
	Path    string `json:"path"    yaml:"path"    validate:"omitempty,startswith=/"`
}

// NATSConfig controls the NATS tap
type NATSConfig struct {
	Enabled       bool     `json:"enabled"        yaml:"enabled"`
	URL           string   `json:"url"            yaml:"url"            validate:"omitempty,url"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix" validate:"omitempty,excludesall=*> "`
	Compress      bool     `json:"compress"       yaml:"compress"`
	Workers       int      `json:"workers"        yaml:"workers"        validate:"gte=0"`
	Buffer        int      `json:"buffer_size"    yaml:"buffer_size"    validate:"gte=0"`
	Token         string   `json:"token,omitempty"    yaml:"token,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	ConnectWait   Duration `json:"connect_timeout"    yaml:"connect_timeout"`
}

// PreviewConfig controls the websocket preview server
type PreviewConfig struct {
	Enabled      bool     `json:"enabled"       yaml:"enabled"`
	Addr         string   `json:"addr"          yaml:"addr"          validate:"required_if=Enabled true"`
	Path         string   `json:"path"          yaml:"path"          validate:"omitempty,startswith=/"`
	ClientBuffer int      `json:"client_buffer" yaml:"client_buffer" validate:"gte=0"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval Duration `json:"ping_interval" yaml:"ping_interval"`
	Compress     bool     `json:"compress"      yaml:"compress"`
	MaxFPS       float64  `json:"max_fps"       yaml:"max_fps"       validate:"gte=0"`
	AuthSecret   string   `json:"auth_secret,omitempty" yaml:"auth_secret,omitempty" validate:"omitempty,min=32"`
}

// DefaultPipeline is used when no layer declares any nodes: a camera whose
// preview output feeds a host consumer queue.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Name:  "depthgraph",
		Nodes: []NodeConfig{{Alias: "camera", Kind: "Camera"}},
		Consumers: []ConsumerConfig{
			{Output: "camera.preview", Size: 4},
		},
	}
}

// Default returns every setting's default. The pipeline is left empty so
// file layers describe the whole graph; see DefaultPipeline.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{Name: "depthgraph"},
		Device: DeviceConfig{
			WaitTimeout: Duration(30 * time.Second),
			Sim: SimConfig{
				Devices: []string{"sim-0"},
				FPS:     30,
				Width:   640,
				Height:  400,
			},
		},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "depthgraph",
			Workers:       2,
			Buffer:        256,
			ConnectWait:   Duration(5 * time.Second),
		},
		Preview: PreviewConfig{
			Addr:         ":8081",
			Path:         "/ws",
			ClientBuffer: 16,
			WriteTimeout: Duration(5 * time.Second),
			PingInterval: Duration(30 * time.Second),
		},
	}
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	if redacted.Preview.AuthSecret != "" {
		redacted.Preview.AuthSecret = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}
