package model

import (
	"fmt"
	"strings"
)

// Position is a point on the simulation plane, in metres.
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// TopologyKind selects how the engine lays out an initial set of nodes.
type TopologyKind string

const (
	TopologyMesh   TopologyKind = "MESH"
	TopologyStar   TopologyKind = "STAR"
	TopologyLinear TopologyKind = "LINEAR"
	TopologyRandom TopologyKind = "RANDOM"
	TopologyCustom TopologyKind = "CUSTOM"
)

// ParseTopologyKind maps a case-insensitive name onto a TopologyKind.
func ParseTopologyKind(s string) (TopologyKind, error) {
	switch k := TopologyKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case TopologyMesh, TopologyStar, TopologyLinear, TopologyRandom, TopologyCustom:
		return k, nil
	case "":
		return TopologyMesh, nil
	default:
		return "", fmt.Errorf("unknown topology %q", s)
	}
}

// NodeSpec describes one node of a custom topology.
type NodeSpec struct {
	ID   string  `yaml:"id" json:"id"`
	Name string  `yaml:"name" json:"name"`
	X    float64 `yaml:"x" json:"x"`
	Y    float64 `yaml:"y" json:"y"`
}

// Position returns the node's coordinates as a Position.
func (s NodeSpec) Position() Position {
	return Position{X: s.X, Y: s.Y}
}
