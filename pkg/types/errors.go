package types

import (
	"errors"
	"fmt"
)

// The pipeline classifies failures into four kinds so the orchestrator
// can scope them correctly: input and storage errors fail one image,
// inference failures fail one tile, geometry errors abort a submission.

// InputError marks a corrupt or unreadable image, or an invalid
// submission value.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return fmt.Sprintf("input error: %v", e.Err) }

// Unwrap returns the underlying cause.
func (e *InputError) Unwrap() error { return e.Err }

// NewInputError wraps err as an InputError.
func NewInputError(err error) error { return &InputError{Err: err} }

// IsInputError reports whether err is or wraps an InputError.
func IsInputError(err error) bool {
	var e *InputError
	return errors.As(err, &e)
}

// GeometryError marks tiling or resampling parameters that cannot
// produce a valid grid or scale. It is raised during submission
// validation, before any image is processed.
type GeometryError struct {
	Err error
}

func (e *GeometryError) Error() string { return fmt.Sprintf("geometry error: %v", e.Err) }

// Unwrap returns the underlying cause.
func (e *GeometryError) Unwrap() error { return e.Err }

// NewGeometryError wraps err as a GeometryError.
func NewGeometryError(err error) error { return &GeometryError{Err: err} }

// IsGeometryError reports whether err is or wraps a GeometryError.
func IsGeometryError(err error) bool {
	var e *GeometryError
	return errors.As(err, &e)
}

// InferenceFailure marks a tile whose inference attempts were exhausted.
// It is scoped to a single tile; the owning image fails only when every
// tile produced one.
type InferenceFailure struct {
	Err error
}

func (e *InferenceFailure) Error() string { return fmt.Sprintf("inference failure: %v", e.Err) }

// Unwrap returns the underlying cause.
func (e *InferenceFailure) Unwrap() error { return e.Err }

// NewInferenceFailure wraps err as an InferenceFailure.
func NewInferenceFailure(err error) error { return &InferenceFailure{Err: err} }

// IsInferenceFailure reports whether err is or wraps an InferenceFailure.
func IsInferenceFailure(err error) bool {
	var e *InferenceFailure
	return errors.As(err, &e)
}

// StorageError marks a result that could not be persisted. Fatal for the
// affected image only.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %v", e.Err) }

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError.
func NewStorageError(err error) error { return &StorageError{Err: err} }

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}
