package train

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/tsawler/go-seqtrain/checkpoint"
	"github.com/tsawler/go-seqtrain/nn"
)

// Artifact file names inside a run directory.
const (
	RunLogName    = "train.log"
	LossTableName = "loss.log"
	LossPlotName  = "loss.png"
	TrainableName = "best_model.json"
	InferenceName = "best_model.onnx"
)

const lossPlotDPI = 600

// NewRunDir creates the per-run output directory {root}/saved/{timestamp}
// and returns its path. The timestamp has minute precision, so runs started
// within the same minute share a directory.
func NewRunDir(root string, now time.Time) (string, error) {
	dir := filepath.Join(root, "saved", now.Format("2006-01-02-15-04"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating run directory %s", dir)
	}
	return dir, nil
}

// ArtifactWriter persists everything a run leaves behind: the loss table,
// the loss plot, and both checkpoint forms of the best model. All writes
// replace the previous file, so each call reflects the full run so far.
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter writes artifacts into dir, which must already exist.
func NewArtifactWriter(dir string) *ArtifactWriter {
	return &ArtifactWriter{dir: dir}
}

// Dir returns the run directory this writer targets.
func (aw *ArtifactWriter) Dir() string { return aw.dir }

// LossTablePath returns the path of the comma-delimited loss table.
func (aw *ArtifactWriter) LossTablePath() string { return filepath.Join(aw.dir, LossTableName) }

// LossPlotPath returns the path of the rendered loss curve image.
func (aw *ArtifactWriter) LossPlotPath() string { return filepath.Join(aw.dir, LossPlotName) }

// TrainablePath returns the path of the trainable checkpoint.
func (aw *ArtifactWriter) TrainablePath() string { return filepath.Join(aw.dir, TrainableName) }

// InferencePath returns the path of the frozen inference model.
func (aw *ArtifactWriter) InferencePath() string { return filepath.Join(aw.dir, InferenceName) }

// LogLoss rewrites the loss table and the loss plot from the full
// per-epoch histories. Both series must cover the same epochs.
func (aw *ArtifactWriter) LogLoss(trainHistory, valHistory []float64) error {
	if len(trainHistory) != len(valHistory) {
		return fmt.Errorf("history length mismatch: train %d, validation %d", len(trainHistory), len(valHistory))
	}
	if err := aw.writeLossTable(trainHistory, valHistory); err != nil {
		return err
	}
	return aw.writeLossPlot(trainHistory, valHistory)
}

func (aw *ArtifactWriter) writeLossTable(trainHistory, valHistory []float64) error {
	var b strings.Builder
	for i := range trainHistory {
		fmt.Fprintf(&b, "%.8f,%.8f\n", trainHistory[i], valHistory[i])
	}
	path := aw.LossTablePath()
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing loss table %s", path)
	}
	return nil
}

func (aw *ArtifactWriter) writeLossPlot(trainHistory, valHistory []float64) error {
	p := plot.New()
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	err := plotutil.AddLines(p,
		"train loss", historyPoints(trainHistory),
		"val loss", historyPoints(valHistory),
	)
	if err != nil {
		return errors.Wrap(err, "building loss plot")
	}

	canvas := vgimg.NewWith(vgimg.UseWH(8*vg.Inch, 6*vg.Inch), vgimg.UseDPI(lossPlotDPI))
	p.Draw(draw.New(canvas))

	path := aw.LossPlotPath()
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating loss plot %s", path)
	}
	defer f.Close()

	png := vgimg.PngCanvas{Canvas: canvas}
	if _, err := png.WriteTo(f); err != nil {
		return errors.Wrapf(err, "writing loss plot %s", path)
	}
	return nil
}

func historyPoints(history []float64) plotter.XYs {
	pts := make(plotter.XYs, len(history))
	for i, v := range history {
		pts[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	return pts
}

// SaveModel writes both persisted forms of the model: the trainable
// checkpoint with full training state, and the frozen inference model.
func (aw *ArtifactWriter) SaveModel(spec nn.Spec, model nn.Module, training checkpoint.TrainingState, optimizer *checkpoint.OptimizerState, meta checkpoint.Metadata) error {
	weights, err := checkpoint.ExtractWeights(spec, model.Parameters())
	if err != nil {
		return errors.Wrap(err, "extracting model weights")
	}
	snap := &checkpoint.Snapshot{
		Spec:      spec,
		Weights:   weights,
		Training:  training,
		Optimizer: optimizer,
		Meta:      meta,
	}
	if err := checkpoint.ExportTrainable(snap, aw.TrainablePath()); err != nil {
		return err
	}
	return checkpoint.ExportInference(snap, aw.InferencePath())
}
