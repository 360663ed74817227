// Package distill configures style-distillation training: a student
// translation network learns a teacher model's input/output pairs. The
// graphs themselves are the pix2pix generator/discriminator pair; the
// reference image conditions the student, doubling to six channels for
// the face-morph variant where content and style references are stacked.
package distill

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
	"synthforge/internal/pix2pix"
)

// Task selects the distillation variant.
type Task struct {
	FaceMorph bool
}

// RefChannels is the conditioning channel count for the task.
func (t Task) RefChannels() int {
	if t.FaceMorph {
		return 6
	}
	return 3
}

// Steps bundles both optimization graphs of a distillation run.
type Steps struct {
	Gen  *pix2pix.GenStep
	Disc *pix2pix.DiscStep
}

// Build assembles the distillation step graphs on store.
func Build(store *params.Store, t Task, spec pix2pix.Spec) Steps {
	spec.InChannels = t.RefChannels()
	return Steps{
		Gen:  pix2pix.BuildGenStep(store, spec),
		Disc: pix2pix.BuildDiscStep(store, spec),
	}
}

// SplitReference separates a face-morph reference batch (B, 6, H, W)
// into its content and style halves for reporting.
func SplitReference(ref *tensor.Dense) (content, style *tensor.Dense, err error) {
	if len(ref.Shape()) != 4 || ref.Shape()[1] != 6 {
		return nil, nil, errors.Errorf("distill: expected (B, 6, H, W) reference, got %v", ref.Shape())
	}
	c, err := ref.Slice(nil, tensor.S(0, 3))
	if err != nil {
		return nil, nil, errors.Wrap(err, "distill: slice content")
	}
	s, err := ref.Slice(nil, tensor.S(3, 6))
	if err != nil {
		return nil, nil, errors.Wrap(err, "distill: slice style")
	}
	content = c.Materialize().(*tensor.Dense)
	style = s.Materialize().(*tensor.Dense)
	return content, style, nil
}
