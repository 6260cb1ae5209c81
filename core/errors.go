package core

import "errors"

var (
	ErrNodeExists      = errors.New("node already exists")
	ErrNodeNotFound    = errors.New("node not found")
	ErrInvalidNode     = errors.New("invalid node")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrEngineShutDown  = errors.New("engine is shut down")
)
