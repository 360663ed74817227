// Package report aggregates and publishes training progress: periodic
// log lines, per-epoch loss series on disk, and sample image dumps.
// All file output happens on rank 0.
package report

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"synthforge/internal/comm"
	"synthforge/internal/metrics"
)

// Reporter tracks one training run.
type Reporter struct {
	comm       comm.Communicator
	dir        string
	printEvery int

	window metrics.Window
	epoch  int
	iter   int
	iters  int

	// The periodic window resets on every log line, so the epoch mean is
	// accumulated separately.
	epochSums  map[string]float64
	epochSteps int

	history map[string][]float64
}

// New creates a reporter writing under saveDir/run-<id>.
func New(c comm.Communicator, saveDir string, printEvery int) (*Reporter, error) {
	if printEvery <= 0 {
		printEvery = 20
	}
	dir := filepath.Join(saveDir, "run-"+uuid.NewString()[:8])
	if c.Rank() == 0 {
		if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
			return nil, errors.Wrap(err, "report: mkdir")
		}
		klog.Infof("reporting to %s", dir)
	}
	return &Reporter{
		comm:       c,
		dir:        dir,
		printEvery: printEvery,
		history:    make(map[string][]float64),
	}, nil
}

// Dir returns the run directory.
func (r *Reporter) Dir() string { return r.dir }

// EpochStart resets iteration state for a new epoch.
func (r *Reporter) EpochStart(epoch, iters int) {
	r.epoch = epoch
	r.iter = 0
	r.iters = iters
	r.epochSums = make(map[string]float64)
	r.epochSteps = 0
}

// Step records one iteration. Losses are averaged across workers before
// being accumulated, so every rank must call Step each iteration.
func (r *Reporter) Step(losses map[string]float64, batchSize int, dataTime, computeTime time.Duration) error {
	r.iter++

	names := sortedNames(losses)
	if len(names) > 0 && r.comm.Size() > 1 {
		vec := make([]float32, len(names))
		for i, name := range names {
			vec[i] = float32(losses[name])
		}
		d := tensor.New(tensor.WithShape(len(vec)), tensor.WithBacking(vec))
		if err := r.comm.AllReduce([]*tensor.Dense{d}, true); err != nil {
			return errors.Wrap(err, "report: reduce losses")
		}
		reduced := d.Data().([]float32)
		losses = make(map[string]float64, len(names))
		for i, name := range names {
			losses[name] = float64(reduced[i])
		}
	}

	r.window.Record(batchSize, dataTime, computeTime, losses)
	if len(losses) > 0 {
		if r.epochSums == nil {
			r.epochSums = make(map[string]float64, len(losses))
		}
		for name, v := range losses {
			r.epochSums[name] += v
		}
		r.epochSteps++
	}

	if r.iter%r.printEvery == 0 && r.comm.Rank() == 0 {
		snap := r.window.Snapshot()
		klog.Infof("epoch=%d iter=%d/%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f losses=%s",
			r.epoch, r.iter, r.iters,
			snap.ImagesPerSec, snap.AvgDataMS, snap.AvgComputeMS, formatLosses(snap.Losses))
	}
	return nil
}

// EpochEnd flushes the epoch: appends the epoch-wide loss means to the
// series, rewrites the CSV and dumps the given sample images.
func (r *Reporter) EpochEnd(epoch int, images map[string]*tensor.Dense) error {
	r.window.Snapshot() // drop the trailing partial window
	if r.epochSteps > 0 {
		for name, sum := range r.epochSums {
			r.history[name] = append(r.history[name], sum/float64(r.epochSteps))
		}
	}
	if r.comm.Rank() != 0 {
		return nil
	}

	for name, series := range r.history {
		if len(series) > 0 {
			klog.V(1).Infof("epoch=%d %s=%.4f best=%.4f", epoch, name, series[len(series)-1], floats.Min(series))
		}
	}
	if err := r.writeCSV(); err != nil {
		return err
	}
	for name, img := range images {
		if err := r.dumpImage(epoch, name, img); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) writeCSV() error {
	names := make([]string, 0, len(r.history))
	for name := range r.history {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	f, err := os.Create(filepath.Join(r.dir, "losses.csv"))
	if err != nil {
		return errors.Wrap(err, "report: create csv")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"epoch"}, names...)); err != nil {
		return errors.Wrap(err, "report: csv header")
	}
	rows := len(r.history[names[0]])
	for i := 0; i < rows; i++ {
		row := make([]string, 0, len(names)+1)
		row = append(row, strconv.Itoa(i))
		for _, name := range names {
			row = append(row, strconv.FormatFloat(r.history[name][i], 'g', 6, 64))
		}
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "report: csv row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "report: csv flush")
}

func (r *Reporter) dumpImage(epoch int, name string, d *tensor.Dense) error {
	img, err := TensorImage(d, 0)
	if err != nil {
		return errors.Wrapf(err, "report: render %s", name)
	}
	path := filepath.Join(r.dir, "images", fmt.Sprintf("%s_%03d.png", name, epoch))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "report: create image")
	}
	defer f.Close()
	return errors.Wrap(png.Encode(f, img), "report: encode png")
}

// TensorImage renders sample idx of a (B, C, H, W) batch in [-1, 1] as
// an RGBA image. Single-channel batches render as grayscale.
func TensorImage(d *tensor.Dense, idx int) (*image.RGBA, error) {
	shape := d.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("report: expected 4-d batch, got %v", shape)
	}
	bsz, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if idx < 0 || idx >= bsz {
		return nil, errors.Errorf("report: sample %d out of batch %d", idx, bsz)
	}
	if c != 1 && c != 3 {
		return nil, errors.Errorf("report: cannot render %d channels", c)
	}
	data, ok := d.Data().([]float32)
	if !ok {
		return nil, errors.New("report: batch is not float32")
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	base := idx * c * plane
	at := func(ch, y, x int) uint8 {
		v := data[base+ch*plane+y*w+x]
		scaled := (v + 1) * 127.5
		if scaled < 0 {
			scaled = 0
		}
		if scaled > 255 {
			scaled = 255
		}
		return uint8(scaled)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var rr, gg, bb uint8
			if c == 3 {
				rr, gg, bb = at(0, y, x), at(1, y, x), at(2, y, x)
			} else {
				rr = at(0, y, x)
				gg, bb = rr, rr
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = rr
			img.Pix[i+1] = gg
			img.Pix[i+2] = bb
			img.Pix[i+3] = 255
		}
	}
	return img, nil
}

func sortedNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatLosses(m map[string]float64) string {
	out := ""
	for _, name := range sortedNames(m) {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%.4f", name, m[name])
	}
	return out
}
