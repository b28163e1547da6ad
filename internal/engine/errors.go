package engine

import "errors"

var (
	// ErrEngineUnavailable means no engine is loaded or the loaded engine is not ready
	ErrEngineUnavailable = errors.New("engine not loaded")

	// ErrEngineFailure wraps any error or panic raised during an inference call
	ErrEngineFailure = errors.New("inference failed")
)
