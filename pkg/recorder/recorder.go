// Package recorder persists one experiment record per tick. Records are
// append-only; nothing ever updates or deletes a written row.
package recorder

import (
	"context"

	"github.com/scalelab/hpa-bench/pkg/models"
)

// Recorder receives exactly one record per completed tick.
type Recorder interface {
	Append(ctx context.Context, rec *models.ExperimentRecord) error
	Close() error
}

// Multi fans a record out to several sinks. A failing sink aborts the
// append; the controller treats recorder failures as fatal since a run
// with holes in its data is worthless.
type Multi struct {
	sinks []Recorder
}

func NewMulti(sinks ...Recorder) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Append(ctx context.Context, rec *models.ExperimentRecord) error {
	for _, s := range m.sinks {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
