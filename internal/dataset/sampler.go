package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// SamplerOptions configures the shard sampler.
type SamplerOptions struct {
	Shards     []string
	Roles      []string
	Seed       int64
	NumWorkers int
	PendingCap int
}

// StartSampler launches the shard-streaming pipeline. The stream is
// endless: shards are reshuffled and replayed once exhausted, and the
// per-shard ordering is deterministic for a given seed.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Shards) == 0 {
		return nil, nil, errors.New("sampler: no shards provided")
	}
	if len(opts.Roles) == 0 {
		return nil, nil, errors.New("sampler: no sample roles provided")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	rng := rand.New(rand.NewSource(opts.Seed))

	go produceJobs(ctx, jobs, opts.Shards, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.Roles, opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, roles []string, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, roles, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards shard streams in job order so a fixed seed
// always yields the same sample sequence regardless of worker count.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case cursor, ok = <-cursors:
				if !ok {
					return
				}
				pending[cursor.id] = cursor
			}
			continue
		}

		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-cursor.samples:
				if !ok {
					goto shardDone
				}
				select {
				case <-ctx.Done():
					return
				case out <- sample:
				}
			}
		}

	shardDone:
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, shards []string, rng *rand.Rand) {
	var jobID int64
	for {
		order := append([]string(nil), shards...)
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		for _, path := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: jobID, path: path}:
				jobID++
			}
		}
	}
}
