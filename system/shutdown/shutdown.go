package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Sequence runs cleanup steps in the order they were added. Every step runs
// even when an earlier one fails.
type Sequence struct {
	mu    sync.Mutex
	steps []step
	done  bool
}

func (s *Sequence) Add(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// Run executes the steps once and returns their joined errors. Later calls
// do nothing.
func (s *Sequence) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	var errs []error
	for _, st := range s.steps {
		if err := st.fn(ctx); err != nil {
			log.Error().Err(err).Str("step", st.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		log.Info().Str("step", st.name).Msg("Shutdown step complete")
	}
	return errors.Join(errs...)
}

// ShutdownWithError logs err and runs the sequence.
func (s *Sequence) ShutdownWithError(ctx context.Context, err error, msg string) error {
	log.Error().Err(err).Msg(msg)
	return s.Run(ctx)
}
