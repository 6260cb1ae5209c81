package core

import (
	"fmt"
	"time"
)

// Config gathers every tunable of a simulation run.
type Config struct {
	Radio RadioParams

	// AutoConnect lets the periodic discovery task link to neighbours whose
	// signal is at least AutoConnectRSSI.
	AutoConnect     bool
	AutoConnectRSSI int

	// Spacing is the distance between adjacent nodes of generated topologies.
	Spacing float64

	MaxHops       int
	HopDelay      time.Duration
	HopJitter     time.Duration
	BufferRetries int
	BufferTimeout time.Duration
	RouteTimeout  time.Duration

	DiscoveryInterval        time.Duration
	BufferRetryInterval      time.Duration
	RouteMaintenanceInterval time.Duration
	TelemetryInterval        time.Duration
	SettleDelay              time.Duration

	MetricsWindow int
	InboundBuffer int
	EventBuffer   int
	Seed          uint64
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		Radio:                    DefaultRadioParams(),
		AutoConnect:              true,
		AutoConnectRSSI:          -85,
		Spacing:                  30,
		MaxHops:                  10,
		HopDelay:                 10 * time.Millisecond,
		HopJitter:                20 * time.Millisecond,
		BufferRetries:            5,
		BufferTimeout:            30 * time.Second,
		RouteTimeout:             30 * time.Second,
		DiscoveryInterval:        5 * time.Second,
		BufferRetryInterval:      2 * time.Second,
		RouteMaintenanceInterval: 10 * time.Second,
		TelemetryInterval:        time.Second,
		SettleDelay:              500 * time.Millisecond,
		MetricsWindow:            100,
		InboundBuffer:            64,
		EventBuffer:              256,
		Seed:                     1,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Radio.Range <= 0:
		return fmt.Errorf("%w: radio range must be positive", ErrInvalidConfig)
	case c.Spacing <= 0:
		return fmt.Errorf("%w: spacing must be positive", ErrInvalidConfig)
	case c.MaxHops <= 0:
		return fmt.Errorf("%w: max hops must be positive", ErrInvalidConfig)
	case c.HopDelay < 0 || c.HopJitter < 0:
		return fmt.Errorf("%w: hop delay and jitter must not be negative", ErrInvalidConfig)
	case c.BufferRetries < 0:
		return fmt.Errorf("%w: buffer retries must not be negative", ErrInvalidConfig)
	case c.DiscoveryInterval <= 0, c.BufferRetryInterval <= 0, c.RouteMaintenanceInterval <= 0, c.TelemetryInterval <= 0:
		return fmt.Errorf("%w: task intervals must be positive", ErrInvalidConfig)
	case c.RouteTimeout <= 0 || c.BufferTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.MetricsWindow <= 0:
		return fmt.Errorf("%w: metrics window must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Radio.Range == 0 {
		c.Radio.Range = d.Radio.Range
	}
	if c.Radio.MinimumRSSI == 0 {
		c.Radio.MinimumRSSI = d.Radio.MinimumRSSI
	}
	if c.AutoConnectRSSI == 0 {
		c.AutoConnectRSSI = d.AutoConnectRSSI
	}
	if c.Spacing == 0 {
		c.Spacing = d.Spacing
	}
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.BufferTimeout == 0 {
		c.BufferTimeout = d.BufferTimeout
	}
	if c.RouteTimeout == 0 {
		c.RouteTimeout = d.RouteTimeout
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = d.DiscoveryInterval
	}
	if c.BufferRetryInterval == 0 {
		c.BufferRetryInterval = d.BufferRetryInterval
	}
	if c.RouteMaintenanceInterval == 0 {
		c.RouteMaintenanceInterval = d.RouteMaintenanceInterval
	}
	if c.TelemetryInterval == 0 {
		c.TelemetryInterval = d.TelemetryInterval
	}
	if c.MetricsWindow == 0 {
		c.MetricsWindow = d.MetricsWindow
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
