package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// ErrDegenerateTopology reports a node count the requested layout cannot
// use. The engine treats it as a logged no-op.
var ErrDegenerateTopology = errors.New("degenerate topology")

// Layout places nodeCount nodes for a generated topology. Nodes are named
// node-1..node-n. Random placement draws from rnd.
func Layout(kind model.TopologyKind, nodeCount int, spacing float64, rnd Rand) ([]model.NodeSpec, error) {
	if nodeCount <= 0 {
		return nil, fmt.Errorf("%w: %s with %d nodes", ErrDegenerateTopology, kind, nodeCount)
	}

	specs := make([]model.NodeSpec, nodeCount)
	for i := range specs {
		specs[i].ID = fmt.Sprintf("node-%d", i+1)
		specs[i].Name = fmt.Sprintf("Node %d", i+1)
	}

	switch kind {
	case model.TopologyMesh:
		side := gridSide(nodeCount)
		for i := range specs {
			specs[i].X = float64(i%side) * spacing
			specs[i].Y = float64(i/side) * spacing
		}
	case model.TopologyStar:
		if nodeCount < 2 {
			return nil, fmt.Errorf("%w: star needs at least 2 nodes", ErrDegenerateTopology)
		}
		// node-1 is the hub, the rest sit on a ring around it.
		leaves := nodeCount - 1
		for i := 1; i < nodeCount; i++ {
			angle := 2 * math.Pi * float64(i-1) / float64(leaves)
			specs[i].X = spacing * math.Cos(angle)
			specs[i].Y = spacing * math.Sin(angle)
		}
	case model.TopologyLinear:
		if nodeCount < 2 {
			return nil, fmt.Errorf("%w: linear needs at least 2 nodes", ErrDegenerateTopology)
		}
		for i := range specs {
			specs[i].X = float64(i) * spacing
		}
	case model.TopologyRandom:
		if rnd == nil {
			rnd = NewRand(1)
		}
		area := spacing * float64(gridSide(nodeCount))
		for i := range specs {
			specs[i].X = rnd.Float64() * area
			specs[i].Y = rnd.Float64() * area
		}
	default:
		return nil, fmt.Errorf("%w: no generated layout for %q", ErrInvalidConfig, kind)
	}
	return specs, nil
}

func gridSide(n int) int {
	return int(math.Ceil(math.Sqrt(float64(n))))
}
