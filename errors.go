package vera

import (
	"errors"
	"fmt"
)

// Sentinels wrapped by ConfigError. Match them with errors.Is.
var (
	ErrInvalidRank       = errors.New("rank must be a positive integer")
	ErrMissingPRNGKey    = errors.New("projection_prng_key must not be null")
	ErrShapeConflict     = errors.New("vera only supports a single dimension size per kind")
	ErrNoTargetModules   = errors.New("no target modules found")
	ErrBiasConflict      = errors.New("only one adapter may set bias when several adapters are attached")
	ErrUnsupportedModule = errors.New("target module is not supported")
	ErrAdapterNotFound   = errors.New("adapter not found")
	ErrAdapterExists     = errors.New("adapter already exists")
	ErrProjectionsUnset  = errors.New("shared projections are not set")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrStateMismatch     = errors.New("state dict does not match adapter")
)

// ConfigError reports an invalid or missing configuration. Attach and
// validation paths return it synchronously and never correct it silently.
type ConfigError struct {
	Op  string // operation or component that rejected the config
	Err error
}

func (e *ConfigError) Error() string {
	if e.Op == "" {
		return "vera: " + e.Err.Error()
	}
	return "vera: " + e.Op + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// configErrorf builds a ConfigError wrapping sentinel with extra context.
func configErrorf(op string, sentinel error, format string, args ...any) *ConfigError {
	if format == "" {
		return &ConfigError{Op: op, Err: sentinel}
	}
	return &ConfigError{Op: op, Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NumericalError reports non-finite values found by a safe merge. The base
// weight is left untouched when it is returned.
type NumericalError struct {
	Adapter string
	Layer   string
}

func (e *NumericalError) Error() string {
	if e.Layer == "" {
		return fmt.Sprintf("vera: NaNs detected in the merged weights. The adapter %s seems to be broken", e.Adapter)
	}
	return fmt.Sprintf("vera: NaNs detected in the merged weights of %s. The adapter %s seems to be broken", e.Layer, e.Adapter)
}

// IsNumericalError reports whether err is or wraps a NumericalError.
func IsNumericalError(err error) bool {
	var ne *NumericalError
	return errors.As(err, &ne)
}
