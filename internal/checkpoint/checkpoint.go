// Package checkpoint persists parameter stores as safetensors archives.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/safetensors"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"synthforge/internal/params"
)

// EpochPath names the periodic checkpoint for an epoch.
func EpochPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("param_%03d.safetensors", epoch))
}

// FinalPath names the end-of-run checkpoint.
func FinalPath(dir string) string {
	return filepath.Join(dir, "param_final.safetensors")
}

// Save writes every tensor of the store to path.
func Save(path string, store *params.Store) error {
	views := make(map[string]safetensors.TensorView)
	for _, name := range store.Names() {
		d, ok := store.Get(name)
		if !ok {
			continue
		}
		data, ok := d.Data().([]float32)
		if !ok {
			return errors.Errorf("checkpoint: %s is not float32", name)
		}
		shape := make([]uint64, len(d.Shape()))
		for i, s := range d.Shape() {
			shape[i] = uint64(s)
		}
		view, err := safetensors.NewTensorView(safetensors.F32, shape, floatBytes(data))
		if err != nil {
			return errors.Wrapf(err, "checkpoint: view for %s", name)
		}
		views[name] = view
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "checkpoint: mkdir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint: create")
	}
	defer f.Close()
	if err := safetensors.SerializeToWriter(views, nil, f); err != nil {
		return errors.Wrap(err, "checkpoint: serialize")
	}
	return nil
}

// Load reads the archive at path into the store, copying into existing
// tensors and registering unknown names.
func Load(path string, store *params.Store) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint: read")
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return errors.Wrap(err, "checkpoint: deserialize")
	}
	for _, named := range st.Tensors() {
		view := named.TensorView
		if view.DType() != safetensors.F32 {
			return errors.Errorf("checkpoint: tensor %s has dtype %v, want F32", named.Name, view.DType())
		}
		shape := make(tensor.Shape, len(view.Shape()))
		for i, s := range view.Shape() {
			shape[i] = int(s)
		}
		d := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(bytesFloats(view.Data())))
		if err := store.Set(named.Name, d); err != nil {
			return err
		}
	}
	return nil
}

// LoadIfExists restores path into store when it exists. A missing path
// only logs a warning: training continues from scratch.
func LoadIfExists(path string, store *params.Store) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		klog.Warningf("checkpoint path not found, loading skipped (%s)", path)
		return nil
	}
	return Load(path, store)
}

// ListTensors returns name/shape pairs of an archive for inspection.
func ListTensors(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: read")
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: deserialize")
	}
	var out []string
	for _, named := range st.Tensors() {
		out = append(out, fmt.Sprintf("%s %v %v", named.Name, named.TensorView.DType(), named.TensorView.Shape()))
	}
	return out, nil
}

func floatBytes(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func bytesFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}
