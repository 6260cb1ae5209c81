package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// Scenario is a simulation run described in YAML. Durations are written
// the way time.ParseDuration reads them ("250ms", "5s").
type Scenario struct {
	Topology  string           `yaml:"topology"`
	NodeCount int              `yaml:"node_count"`
	Seed      uint64           `yaml:"seed"`
	Nodes     []model.NodeSpec `yaml:"nodes"`

	Radio     RadioSection     `yaml:"radio"`
	Routing   RoutingSection   `yaml:"routing"`
	Timing    TimingSection    `yaml:"timing"`
	Telemetry TelemetrySection `yaml:"telemetry"`
	Traffic   TrafficSection   `yaml:"traffic"`
}

type RadioSection struct {
	Range           float64 `yaml:"range"`
	MinimumRSSI     int     `yaml:"minimum_rssi"`
	TxPower         int     `yaml:"tx_power"`
	AutoConnect     *bool   `yaml:"auto_connect"`
	AutoConnectRSSI int     `yaml:"auto_connect_rssi"`
	// Lossless disables the per-hop loss draw.
	Lossless bool `yaml:"lossless"`
}

type RoutingSection struct {
	MaxHops       int           `yaml:"max_hops"`
	BufferRetries *int          `yaml:"buffer_retries"`
	BufferTimeout time.Duration `yaml:"buffer_timeout"`
	RouteTimeout  time.Duration `yaml:"route_timeout"`
}

type TimingSection struct {
	Spacing                  float64        `yaml:"spacing"`
	HopDelay                 *time.Duration `yaml:"hop_delay"`
	HopJitter                *time.Duration `yaml:"hop_jitter"`
	DiscoveryInterval        time.Duration  `yaml:"discovery_interval"`
	BufferRetryInterval      time.Duration  `yaml:"buffer_retry_interval"`
	RouteMaintenanceInterval time.Duration  `yaml:"route_maintenance_interval"`
	TelemetryInterval        time.Duration  `yaml:"telemetry_interval"`
	SettleDelay              *time.Duration `yaml:"settle_delay"`
}

type TelemetrySection struct {
	Window int `yaml:"window"`
}

// TrafficSection drives demo traffic in the CLI.
type TrafficSection struct {
	Interval time.Duration `yaml:"interval"`
	Payload  string        `yaml:"payload"`
	Pairs    []TrafficPair `yaml:"pairs"`
}

type TrafficPair struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadScenario decodes and validates a YAML scenario. Unknown keys are
// rejected so typos surface instead of silently falling back to defaults.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenarioFile reads a scenario from path.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// Kind returns the scenario's topology kind.
func (s *Scenario) Kind() (model.TopologyKind, error) {
	kind, err := model.ParseTopologyKind(s.Topology)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return kind, nil
}

// Validate checks the scenario for structural errors.
func (s *Scenario) Validate() error {
	kind, err := s.Kind()
	if err != nil {
		return err
	}
	if kind == model.TopologyCustom {
		if len(s.Nodes) == 0 {
			return fmt.Errorf("%w: custom topology without nodes", ErrInvalidScenario)
		}
		seen := make(map[string]bool, len(s.Nodes))
		for _, n := range s.Nodes {
			if n.ID == "" {
				return fmt.Errorf("%w: node with empty id", ErrInvalidScenario)
			}
			if seen[n.ID] {
				return fmt.Errorf("%w: duplicate node id %q", ErrInvalidScenario, n.ID)
			}
			seen[n.ID] = true
		}
	} else if s.NodeCount < 0 {
		return fmt.Errorf("%w: node_count must not be negative", ErrInvalidScenario)
	}
	for i, p := range s.Traffic.Pairs {
		if p.From == "" || p.To == "" {
			return fmt.Errorf("%w: traffic pair %d needs from and to", ErrInvalidScenario, i)
		}
	}
	if err := s.Config().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return nil
}

// Config overlays the scenario's settings on DefaultConfig.
func (s *Scenario) Config() Config {
	cfg := DefaultConfig()

	if s.Seed != 0 {
		cfg.Seed = s.Seed
	}
	if s.Radio.Range != 0 {
		cfg.Radio.Range = s.Radio.Range
	}
	if s.Radio.MinimumRSSI != 0 {
		cfg.Radio.MinimumRSSI = s.Radio.MinimumRSSI
	}
	if s.Radio.TxPower != 0 {
		cfg.Radio.TxPower = s.Radio.TxPower
	}
	if s.Radio.AutoConnect != nil {
		cfg.AutoConnect = *s.Radio.AutoConnect
	}
	if s.Radio.AutoConnectRSSI != 0 {
		cfg.AutoConnectRSSI = s.Radio.AutoConnectRSSI
	}

	if s.Routing.MaxHops != 0 {
		cfg.MaxHops = s.Routing.MaxHops
	}
	if s.Routing.BufferRetries != nil {
		cfg.BufferRetries = *s.Routing.BufferRetries
	}
	setDuration(&cfg.BufferTimeout, s.Routing.BufferTimeout)
	setDuration(&cfg.RouteTimeout, s.Routing.RouteTimeout)

	if s.Timing.Spacing != 0 {
		cfg.Spacing = s.Timing.Spacing
	}
	if s.Timing.HopDelay != nil {
		cfg.HopDelay = *s.Timing.HopDelay
	}
	if s.Timing.HopJitter != nil {
		cfg.HopJitter = *s.Timing.HopJitter
	}
	if s.Timing.SettleDelay != nil {
		cfg.SettleDelay = *s.Timing.SettleDelay
	}
	setDuration(&cfg.DiscoveryInterval, s.Timing.DiscoveryInterval)
	setDuration(&cfg.BufferRetryInterval, s.Timing.BufferRetryInterval)
	setDuration(&cfg.RouteMaintenanceInterval, s.Timing.RouteMaintenanceInterval)
	setDuration(&cfg.TelemetryInterval, s.Timing.TelemetryInterval)

	if s.Telemetry.Window != 0 {
		cfg.MetricsWindow = s.Telemetry.Window
	}
	return cfg
}

// EngineOptions returns the options the scenario implies beyond Config.
func (s *Scenario) EngineOptions() []EngineOption {
	var opts []EngineOption
	if s.Radio.Lossless {
		opts = append(opts, WithLossModel(NoLoss))
	}
	return opts
}

// Apply lays the scenario's nodes out on e.
func (s *Scenario) Apply(e *Engine) error {
	kind, err := s.Kind()
	if err != nil {
		return err
	}
	if kind == model.TopologyCustom {
		return e.InitializeCustom(s.Nodes)
	}
	return e.Initialize(kind, s.NodeCount)
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
