package sink

import (
	"context"
	"errors"

	"github.com/feedrun/feedrun/internal/domain"
)

// Multi fans every batch out to several sinks. A write error from any sink
// fails the batch; the remaining sinks still receive it so one failing
// backend does not starve the others.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks. A single sink is returned unwrapped.
func NewMulti(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &Multi{sinks: sinks}
}

// WriteBatch implements Sink.
func (m *Multi) WriteBatch(ctx context.Context, batch []domain.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush implements Sink.
func (m *Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
