package bilstm

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"

	"github.com/golangast/seqtagger/neural/nn"
	. "github.com/golangast/seqtagger/neural/tensor"
	"github.com/golangast/seqtagger/tagger/seqeval"
)

// EpochStats are the metrics reported after one epoch. Validation fields
// are zero when no validation split is used.
type EpochStats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Duration    time.Duration
}

// History records every epoch of a Fit call.
type History struct {
	Epochs []EpochStats
}

// Last returns the final epoch, or zero stats for an empty history.
func (h History) Last() EpochStats {
	if len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

func argmax[T constraints.Ordered](xs []T) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// oneHotToIndex converts [batch][seq][tags] one-hot rows to tag ids.
func oneHotToIndex(y [][][]float64) [][]int {
	out := make([][]int, len(y))
	for i, seq := range y {
		out[i] = make([]int, len(seq))
		for j, row := range seq {
			out[i][j] = argmax(row)
		}
	}
	return out
}

func (t *Tagger) checkData(x [][]int, y [][][]float64) error {
	if len(x) == 0 {
		return errors.New("no samples")
	}
	if y != nil && len(x) != len(y) {
		return errors.Wrapf(ErrShapeMismatch, "%d inputs but %d targets", len(x), len(y))
	}
	for i := range y {
		if len(y[i]) != t.cfg.MaxWords {
			return errors.Wrapf(ErrShapeMismatch, "target %d has %d positions, expected %d", i, len(y[i]), t.cfg.MaxWords)
		}
		for _, row := range y[i] {
			if len(row) != t.cfg.NumTags {
				return errors.Wrapf(ErrShapeMismatch, "target %d has %d tags per position, expected %d", i, len(row), t.cfg.NumTags)
			}
		}
	}
	return nil
}

// Fit trains the model. The last ValidationSplit fraction of the samples
// is held out before shuffling; training samples are reshuffled every
// epoch. ctx is checked between batches.
func (t *Tagger) Fit(ctx context.Context, x [][]int, y [][][]float64) (History, error) {
	var history History
	if !t.built {
		return history, ErrNotBuilt
	}
	if err := t.checkData(x, y); err != nil {
		return history, err
	}
	t.log.Info("Fitting model...")
	tags := oneHotToIndex(y)

	numTrain := validationSplitAt(len(x), t.cfg.ValidationSplit)
	numVal := len(x) - numTrain
	if numTrain == 0 {
		return history, errors.Errorf("validation split %g leaves no training samples", t.cfg.ValidationSplit)
	}
	trainX, trainY := x[:numTrain], tags[:numTrain]
	valX, valY := x[numTrain:], tags[numTrain:]

	opt := nn.NewOptimizer(t.Parameters(), t.cfg.LearningRate, t.cfg.ClipValue)
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		order := t.rng.Perm(numTrain)
		var lossSum, accSum float64
		for from := 0; from < numTrain; from += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return history, errors.Wrapf(err, "training stopped in epoch %d", epoch)
			}
			to := min(from+t.cfg.BatchSize, numTrain)
			bx := make([][]int, 0, to-from)
			by := make([][]int, 0, to-from)
			for _, i := range order[from:to] {
				bx = append(bx, trainX[i])
				by = append(by, trainY[i])
			}
			loss, acc, err := t.trainBatch(opt, bx, by)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d batch at %d", epoch, from)
			}
			n := float64(to - from)
			lossSum += loss * n
			accSum += acc * n
		}

		stats := EpochStats{
			Epoch:    epoch,
			Loss:     lossSum / float64(numTrain),
			Accuracy: accSum / float64(numTrain),
		}
		if numVal > 0 {
			var err error
			if stats.ValLoss, stats.ValAccuracy, err = t.evaluate(ctx, valX, valY); err != nil {
				return history, errors.Wrapf(err, "validation in epoch %d", epoch)
			}
		}
		stats.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, stats)

		t.log.WithFields(logrus.Fields{
			"epoch":        fmt.Sprintf("%d/%d", epoch, t.cfg.Epochs),
			"loss":         fmt.Sprintf("%.4f", stats.Loss),
			"acc":          fmt.Sprintf("%.4f", stats.Accuracy),
			"val_loss":     fmt.Sprintf("%.4f", stats.ValLoss),
			"val_acc":      fmt.Sprintf("%.4f", stats.ValAccuracy),
			"duration":     stats.Duration.Round(time.Millisecond),
			"train_sample": numTrain,
			"val_sample":   numVal,
		}).Info("epoch finished")
		if t.OnEpoch != nil {
			t.OnEpoch(stats)
		}
	}
	t.fitted = true
	return history, nil
}

// validationSplitAt returns how many leading samples are trained on; the
// rest are held out for validation.
func validationSplitAt(n int, split float64) int {
	return int(float64(n) * (1 - split))
}

func (t *Tagger) trainBatch(opt nn.Optimizer, x [][]int, tags [][]int) (float64, float64, error) {
	opt.ZeroGrad()
	head, mask, err := t.forward(x, true, t.rng)
	if err != nil {
		return 0, 0, err
	}
	loss, paths, err := t.lossAndPaths(head, mask, tags)
	if err != nil {
		return 0, 0, err
	}
	if err := loss.Backward(nil); err != nil {
		return 0, 0, errors.Wrap(err, "backward pass")
	}
	opt.Step()
	return loss.Data[0], nn.Accuracy(paths, tags, mask), nil
}

// evaluate returns the mean loss and accuracy over x in inference mode.
func (t *Tagger) evaluate(ctx context.Context, x [][]int, tags [][]int) (float64, float64, error) {
	var lossSum, accSum float64
	for from := 0; from < len(x); from += t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		to := min(from+t.cfg.BatchSize, len(x))
		head, mask, err := t.forward(x[from:to], false, nil)
		if err != nil {
			return 0, 0, err
		}
		loss, paths, err := t.lossAndPaths(head, mask, tags[from:to])
		if err != nil {
			return 0, 0, err
		}
		n := float64(to - from)
		lossSum += loss.Data[0] * n
		accSum += nn.Accuracy(paths, tags[from:to], mask) * n
	}
	return lossSum / float64(len(x)), accSum / float64(len(x)), nil
}

// Predict returns a [sample][position][tag] distribution for every input.
// The CRF variants return the one-hot Viterbi path. Batches run in
// parallel on up to Workers goroutines; the model is not modified.
func (t *Tagger) Predict(ctx context.Context, x [][]int) ([][][]float64, error) {
	if !t.built {
		return nil, ErrNotBuilt
	}
	if err := t.checkData(x, nil); err != nil {
		return nil, err
	}
	if !t.fitted {
		t.log.Warn("predicting with a model that was neither fitted nor loaded")
	}
	t.log.WithField("samples", len(x)).Info("Predicting...")

	out := make([][][]float64, len(x))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for from := 0; from < len(x); from += t.cfg.BatchSize {
		from, to := from, min(from+t.cfg.BatchSize, len(x))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return t.predictBatch(x[from:to], out[from:to])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "prediction failed")
	}
	return out, nil
}

func (t *Tagger) predictBatch(x [][]int, out [][][]float64) error {
	head, mask, err := t.forward(x, false, nil)
	if err != nil {
		return err
	}
	seqLength, numTags := t.cfg.MaxWords, t.cfg.NumTags
	if t.crf != nil {
		for b, path := range t.crf.Decode(head, mask) {
			out[b] = make([][]float64, seqLength)
			for s, tag := range path {
				out[b][s] = make([]float64, numTags)
				out[b][s][tag] = 1
			}
		}
		return nil
	}
	for b := range out {
		out[b] = make([][]float64, seqLength)
		for s := range out[b] {
			off := (b*seqLength + s) * numTags
			out[b][s] = append([]float64(nil), head.Data[off:off+numTags]...)
		}
	}
	return nil
}

// PredToLabel turns per-position distributions into label sequences by
// taking the most likely tag and reporting PAD as O.
func PredToLabel(pred [][][]float64, idx2tag map[int]string) [][]string {
	out := make([][]string, len(pred))
	for i, seq := range pred {
		out[i] = make([]string, len(seq))
		for j, row := range seq {
			label := idx2tag[argmax(row)]
			if label == PadTag {
				label = OutsideTag
			}
			out[i][j] = label
		}
	}
	return out
}

// Score predicts x, compares it with the one-hot targets y and returns the
// entity-level report. Token accuracy is printed to Out followed by a
// blank line.
func (t *Tagger) Score(ctx context.Context, x [][]int, y [][][]float64, idx2tag map[int]string) (seqeval.Report, error) {
	if !t.built {
		return seqeval.Report{}, ErrNotBuilt
	}
	if err := t.checkData(x, y); err != nil {
		return seqeval.Report{}, err
	}
	pred, err := t.Predict(ctx, x)
	if err != nil {
		return seqeval.Report{}, err
	}
	predLabels, goldLabels := PredToLabel(pred, idx2tag), PredToLabel(y, idx2tag)

	report, err := seqeval.ClassificationReport(goldLabels, predLabels)
	if err != nil {
		return seqeval.Report{}, err
	}
	fmt.Fprintln(t.Out, report.Accuracy)
	fmt.Fprintln(t.Out)
	return report, nil
}
