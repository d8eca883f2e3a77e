package replay

import "errors"

var (
	// ErrEmptyBuffer is returned when a sampler is constructed over a file
	// set holding zero positions.
	ErrEmptyBuffer = errors.New("replay: no positions to sample from")

	// ErrInsufficientData is returned when the requested batch size exceeds
	// the available positions and duplicates were not explicitly allowed.
	ErrInsufficientData = errors.New("replay: batch size exceeds available positions")

	// ErrSamplerClosed is returned by NextBatch after Close.
	ErrSamplerClosed = errors.New("replay: sampler is closed")
)
