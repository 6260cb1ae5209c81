package core

import (
	"math"

	"github.com/signalsfoundry/mesh-simulator/model"
)

const (
	// BluetoothRange is the default maximum link distance in metres.
	BluetoothRange = 50.0
	// MinimumRSSI is the weakest signal (dBm) a node will link over.
	MinimumRSSI = -90
	// DefaultTxPower is the default transmit power in dBm.
	DefaultTxPower = 0
	// ReferenceFrequencyHz is the carrier used for free-space path loss.
	ReferenceFrequencyHz = 2.4e9

	minSignal = -100
	maxSignal = 0
)

// LinkQuality is a coarse, human-readable classification of a link derived
// from its signal strength.
type LinkQuality string

const (
	LinkQualityPoor      LinkQuality = "poor"
	LinkQualityFair      LinkQuality = "fair"
	LinkQualityGood      LinkQuality = "good"
	LinkQualityExcellent LinkQuality = "excellent"
)

// LossModel maps a link's signal strength to a per-hop loss probability.
type LossModel func(signal int) float64

// NoLoss is a LossModel under which every transmission arrives.
func NoLoss(int) float64 { return 0 }

// Distance returns the Euclidean distance between two positions.
func Distance(a, b model.Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// SignalStrength estimates the received signal in dBm at the given distance
// using free-space path loss at ReferenceFrequencyHz. Distances below one
// metre are treated as one metre.
func SignalStrength(distance float64, txPower int) int {
	if distance < 1 || math.IsNaN(distance) {
		distance = 1
	}
	pathLoss := 20*math.Log10(distance) + 20*math.Log10(ReferenceFrequencyHz) - 147.55
	signal := int(math.Round(float64(txPower) - pathLoss))
	return min(max(signal, minSignal), maxSignal)
}

// QualityTier classifies a signal strength.
func QualityTier(signal int) LinkQuality {
	switch {
	case signal > -60:
		return LinkQualityExcellent
	case signal > -70:
		return LinkQualityGood
	case signal > -80:
		return LinkQualityFair
	default:
		return LinkQualityPoor
	}
}

// PacketLossProbability is the default LossModel: the weaker the link, the
// likelier a transmission over it is lost.
func PacketLossProbability(signal int) float64 {
	switch {
	case signal >= -60:
		return 0.01
	case signal >= -70:
		return 0.05
	case signal >= -80:
		return 0.10
	case signal >= -90:
		return 0.25
	default:
		return 0.50
	}
}

// RadioParams bounds which pairs of nodes may link.
type RadioParams struct {
	Range       float64
	MinimumRSSI int
	TxPower     int
}

// DefaultRadioParams returns the Bluetooth-like defaults.
func DefaultRadioParams() RadioParams {
	return RadioParams{
		Range:       BluetoothRange,
		MinimumRSSI: MinimumRSSI,
		TxPower:     DefaultTxPower,
	}
}

// Reachable reports whether two positions are close enough to link, and the
// signal strength such a link would have.
func (p RadioParams) Reachable(a, b model.Position) (int, bool) {
	d := Distance(a, b)
	if d > p.Range {
		return minSignal, false
	}
	signal := SignalStrength(d, p.TxPower)
	return signal, signal > p.MinimumRSSI
}
