// Package train drives model optimization over tiled scenes.
package train

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"go.uber.org/zap"

	"github.com/sugarme/geoseg/config"
	"github.com/sugarme/geoseg/dataset"
	"github.com/sugarme/geoseg/metric"
)

// Schedule gives the learning rate of a global step.
type Schedule interface {
	Rate(step int64) (float64, error)
}

// Result holds the metrics of one pass over a dataset.
type Result struct {
	// LR is the rate of the first step of a training pass.
	LR       float64
	Loss     float64
	Accuracy float64
	MeanIoU  float64
}

// Trainer owns the optimizer and the loss of one training run.
type Trainer struct {
	vs     *nn.VarStore
	model  ts.ModuleT
	cfg    config.Train
	loss   metric.LossFunc
	sched  Schedule
	opt    *nn.Optimizer
	logger *zap.Logger
	device gotch.Device

	step int64
}

// NewOptimizer builds the optimizer named by cfg over every variable of vs.
func NewOptimizer(vs *nn.VarStore, cfg config.Train) (*nn.Optimizer, error) {
	switch cfg.Optimizer {
	case "SGD":
		c := nn.DefaultSGDConfig()
		c.Wd = cfg.WeightDecay
		return c.Build(vs, cfg.LR)
	case "Adam":
		c := nn.DefaultAdamConfig()
		c.Wd = cfg.WeightDecay
		return c.Build(vs, cfg.LR)
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "optimizer %q", cfg.Optimizer)
	}
}

// New creates a Trainer. A nil logger discards logs.
func New(vs *nn.VarStore, model ts.ModuleT, cfg config.Train, loss metric.LossFunc, sched Schedule, logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(vs, cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Trainer{
		vs:     vs,
		model:  model,
		cfg:    cfg,
		loss:   loss,
		sched:  sched,
		opt:    opt,
		logger: logger,
		device: vs.Device(),
	}, nil
}

// Step returns the number of optimizer steps taken.
func (t *Trainer) Step() int64 {
	return t.step
}

// meters are the per-pass metrics, created fresh for every pass.
type meters struct {
	loss *metric.Mean
	oa   *metric.BinaryAccuracy
	miou *metric.MeanIoU
}

func newMeters() *meters {
	return &meters{
		loss: metric.NewMean(),
		oa:   metric.NewBinaryAccuracy(),
		miou: metric.NewMeanIoU(),
	}
}

func (m *meters) update(loss float64, pred, target *ts.Tensor) {
	m.loss.Update(loss)
	m.oa.Update(pred, target)
	m.miou.Update(pred, target)
}

func (m *meters) result(lr float64) Result {
	return Result{
		LR:       lr,
		Loss:     m.loss.Result(),
		Accuracy: m.oa.Result(),
		MeanIoU:  m.miou.Result(),
	}
}

// TrainEpoch runs one shuffled pass over ds, stepping the optimizer on
// every batch. It stops early when ctx is done.
func (t *Trainer) TrainEpoch(ctx context.Context, ds *dataset.Dataset) (Result, error) {
	m := newMeters()
	iter := ds.Batches(t.cfg.BatchSize, true)
	defer iter.Drop()
	start := t.step
	var lr float64
	for {
		if err := ctx.Err(); err != nil {
			return m.result(lr), err
		}
		item, ok := iter.Next()
		if !ok {
			break
		}

		rate, err := t.sched.Rate(t.step)
		if err != nil {
			item.Data.MustDrop()
			item.Label.MustDrop()
			return m.result(lr), err
		}
		if t.step == start {
			lr = rate
		}
		t.opt.SetLR(rate)

		input := item.Data.MustTo(t.device, true)
		target := item.Label.MustTo(t.device, true)
		pred := t.model.ForwardT(input, true)
		loss := t.loss(pred, target)
		t.opt.BackwardStep(loss)

		m.update(loss.Float64Values()[0], pred, target)

		input.MustDrop()
		target.MustDrop()
		pred.MustDrop()
		loss.MustDrop()
		t.step++
	}

	return m.result(lr), nil
}

// Evaluate runs the model over ds in inference mode.
func (t *Trainer) Evaluate(ds *dataset.Dataset) Result {
	m := newMeters()
	iter := ds.Batches(t.cfg.BatchSize, false)
	defer iter.Drop()
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}

		input := item.Data.MustTo(t.device, true)
		target := item.Label.MustTo(t.device, true)
		ts.NoGrad(func() {
			pred := t.model.ForwardT(input, false)
			loss := t.loss(pred, target)
			m.update(loss.Float64Values()[0], pred, target)
			pred.MustDrop()
			loss.MustDrop()
		})
		input.MustDrop()
		target.MustDrop()
	}

	return m.result(0)
}

// Fit trains for the configured number of epochs, evaluating on test after
// each one when it is not nil. A checkpoint is written after every epoch when
// a checkpoint directory is configured.
func (t *Trainer) Fit(ctx context.Context, trainDS, testDS *dataset.Dataset) (History, error) {
	var history History
	for e := int64(1); e <= t.cfg.Epochs; e++ {
		start := time.Now()
		tra, err := t.TrainEpoch(ctx, trainDS)
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d", e)
		}
		rec := Epoch{
			Epoch:     e,
			LR:        tra.LR,
			TrainLoss: tra.Loss,
			TrainOA:   tra.Accuracy,
			TrainMIoU: tra.MeanIoU,
		}

		fields := []zap.Field{
			zap.Int64("epoch", e),
			zap.Float64("lr", tra.LR),
			zap.Float64("tra_loss", tra.Loss),
			zap.Float64("tra_oa", tra.Accuracy),
			zap.Float64("tra_miou", tra.MeanIoU),
		}
		if testDS != nil {
			test := t.Evaluate(testDS)
			rec.TestLoss, rec.TestOA, rec.TestMIoU = test.Loss, test.Accuracy, test.MeanIoU
			fields = append(fields,
				zap.Float64("test_loss", test.Loss),
				zap.Float64("test_oa", test.Accuracy),
				zap.Float64("test_miou", test.MeanIoU),
			)
		}
		rec.Seconds = time.Since(start).Seconds()
		fields = append(fields, zap.Duration("took", time.Since(start)))
		t.logger.Info("epoch done", fields...)
		history = append(history, rec)

		if t.cfg.CheckpointDir != "" {
			if err := t.Save(t.CheckpointPath()); err != nil {
				return history, err
			}
		}
	}

	return history, nil
}

// CheckpointPath returns the weight file written by Fit.
func (t *Trainer) CheckpointPath() string {
	return filepath.Join(t.cfg.CheckpointDir, "weights.ot")
}

// Save writes the model weights to path.
func (t *Trainer) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := t.vs.Save(path); err != nil {
		return errors.Wrapf(err, "saving %s", path)
	}
	t.logger.Debug("checkpoint saved", zap.String("path", path), zap.Int64("step", t.step))
	return nil
}

// LoadWeights loads a checkpoint into vs. With partial set, variables
// missing from the file keep their initial values.
func LoadWeights(vs *nn.VarStore, path string, partial bool) error {
	modelPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if partial {
		missing, err := vs.LoadPartial(modelPath)
		if err != nil {
			return err
		}
		if len(missing) == len(vs.Variables()) {
			return errors.Errorf("no variable of %s matches the model", modelPath)
		}
		return nil
	}
	return vs.Load(modelPath)
}
