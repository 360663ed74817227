package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LoaderOptions describes how samples become conditioning/target batches.
type LoaderOptions struct {
	BatchSize     int
	Height, Width int
	Flip          bool
	Seed          int64

	// TargetRole is the synthesized ground truth, "a" by default.
	TargetRole string
	// RefRoles are image roles concatenated channel-wise as conditioning.
	RefRoles []string
	// NumLabels turns the "id" role into one-hot label planes when > 0.
	NumLabels int
	// UseInstanceMaps appends a boundary plane from the "inst" role.
	UseInstanceMaps bool
}

func (o LoaderOptions) withDefaults() LoaderOptions {
	if o.TargetRole == "" {
		o.TargetRole = "a"
	}
	return o
}

// Roles lists every shard role the loader consumes.
func (o LoaderOptions) Roles() []string {
	o = o.withDefaults()
	roles := append([]string{o.TargetRole}, o.RefRoles...)
	if o.NumLabels > 0 {
		roles = append(roles, "id")
	}
	if o.UseInstanceMaps {
		roles = append(roles, "inst")
	}
	return roles
}

// InChannels is the conditioning channel count the options produce.
func (o LoaderOptions) InChannels() int {
	n := 3 * len(o.RefRoles)
	n += o.NumLabels
	if o.UseInstanceMaps {
		n++
	}
	return n
}

// Loader turns a sample stream into training batches.
type Loader struct {
	opts    LoaderOptions
	samples <-chan Sample
	errs    <-chan error
	rng     *rand.Rand
}

// NewLoader wraps a sampler stream.
func NewLoader(samples <-chan Sample, errs <-chan error, opts LoaderOptions) (*Loader, error) {
	opts = opts.withDefaults()
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.New("loader: target shape must be positive")
	}
	if opts.InChannels() == 0 {
		return nil, errors.New("loader: no conditioning roles configured")
	}
	return &Loader{
		opts:    opts,
		samples: samples,
		errs:    errs,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Next assembles one batch: the conditioning tensor and the target image.
func (l *Loader) Next(ctx context.Context) (*tensor.Dense, *tensor.Dense, error) {
	batch := make([]Sample, 0, l.opts.BatchSize)
	for len(batch) < l.opts.BatchSize {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case err, ok := <-l.errs:
			if ok && err != nil {
				return nil, nil, err
			}
		case sample, ok := <-l.samples:
			if !ok {
				return nil, nil, errors.New("loader: sample stream closed")
			}
			batch = append(batch, sample)
		}
	}

	flips := FlipDecisions(l.rng, len(batch), l.opts.Flip)
	h, w := l.opts.Height, l.opts.Width

	real, err := ImageBatch(batch, l.opts.TargetRole, flips, h, w)
	if err != nil {
		return nil, nil, err
	}

	var parts []*tensor.Dense
	for _, role := range l.opts.RefRoles {
		ref, err := ImageBatch(batch, role, flips, h, w)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, ref)
	}
	if l.opts.NumLabels > 0 {
		oneHot, err := LabelOneHot(batch, "id", flips, l.opts.NumLabels, h, w)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, oneHot)
	}
	if l.opts.UseInstanceMaps {
		edges, err := BoundaryMap(batch, "inst", flips, h, w)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, edges)
	}

	input, err := ConcatChannels(parts...)
	if err != nil {
		return nil, nil, err
	}
	return input, real, nil
}
