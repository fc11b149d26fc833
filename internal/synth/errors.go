package synth

import "errors"

var (
	// ErrConfiguration indicates invalid generation parameters or an input
	// dataset that cannot be sampled at all (e.g. a region with no cells).
	ErrConfiguration = errors.New("synth: invalid configuration")

	// ErrInsufficientData indicates the sampling budget was exhausted before
	// a spot reached its target depth. The cell pool is too small for the
	// requested depth/spot-count combination.
	ErrInsufficientData = errors.New("synth: insufficient data")
)
