package model

import (
	"errors"
	"fmt"
)

var (
	ErrLayerNotFound          = errors.New("layer not found")
	ErrLayerNotDifferentiable = errors.New("layer is not differentiable")
	ErrShapeMismatch          = errors.New("shape mismatch")
	ErrClosed                 = errors.New("classifier is closed")
	ErrClassOutOfRange        = errors.New("class index out of range")
)

// LoadError reports that a classifier could not be constructed. Analysis is
// disabled for the lifetime of the process when it occurs.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed forward pass. The classifier stays usable.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
