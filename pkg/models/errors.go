package models

import (
	"errors"
	"fmt"
)

// ErrMetricsUnavailable means the metrics backend was unreachable or
// reported zero instances. Callers must treat it as "no signal this tick",
// never as zero utilization.
var ErrMetricsUnavailable = errors.New("metrics unavailable")

// PredictionReason tags the recoverable ways an inference call fails.
type PredictionReason string

const (
	PredictionTimeout           PredictionReason = "timeout"
	PredictionMalformedResponse PredictionReason = "malformed_response"
	PredictionUnavailable       PredictionReason = "unavailable"
)

// PredictionError is an expected, recoverable failure of the predictive
// engine. Malformed LLM output is routine, not exceptional; the controller
// inspects the Reason and records it rather than aborting.
type PredictionError struct {
	Reason PredictionReason
	Err    error
}

func (e *PredictionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prediction failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("prediction failed (%s)", e.Reason)
}

func (e *PredictionError) Unwrap() error { return e.Err }

// ScalerError is a cluster API failure that survived the retry budget.
// The controller logs it, records the skipped application, and continues.
type ScalerError struct {
	Op  string
	Err error
}

func (e *ScalerError) Error() string {
	return fmt.Sprintf("scaler %s failed: %v", e.Op, e.Err)
}

func (e *ScalerError) Unwrap() error { return e.Err }
