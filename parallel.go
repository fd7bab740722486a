package imm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunChains runs one independent chain per starting partition using up to
// workers goroutines. Chain c is seeded with cfg.Seed+c, so the result is
// identical to running the chains one after another regardless of workers.
// If workers <= 1 the chains run sequentially.
//
// The sampler is shared by all chains; every state must be a distinct
// Partition. The first failing chain cancels the remaining unstarted ones
// and its error is returned.
func RunChains(sampler Sampler, states []*Partition, cfg RunConfig, workers int) ([]*Trace, error) {
	if err := validateRunConfig(&cfg); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("%w: sampler is required", ErrInvalidConfig)
	}
	seen := make(map[*Partition]bool, len(states))
	for c, s := range states {
		if s == nil {
			return nil, fmt.Errorf("%w: state of chain %d is nil", ErrInvalidConfig, c)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: chain %d shares its state with another chain", ErrInvalidConfig, c)
		}
		seen[s] = true
		if err := sampler.Validate(s); err != nil {
			return nil, &InferenceError{Op: sampler.Name(), Iteration: -1, Err: err}
		}
	}

	traces := make([]*Trace, len(states))
	base := cfg.logger()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(max(workers, 1))
	for c, s := range states {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger := base.With().Int("chain", c).Logger()
			tr, err := run(sampler, s, cfg, newRand(cfg.Seed+uint64(c)), logger)
			if err != nil {
				return fmt.Errorf("chain %d: %w", c, err)
			}
			traces[c] = tr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return traces, nil
}
