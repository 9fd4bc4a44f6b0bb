package theseus

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// TrainConfig holds the optimisation settings of one training loop.
type TrainConfig struct {
	LearningRate   float32
	Epochs         int
	LRDecayGamma   float32
	LogEveryNSteps int
	WeightDecay    float32
	Beta1          float32
	Beta2          float32
	Eps            float32
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate:   5e-5,
		Epochs:         3,
		LRDecayGamma:   0.95,
		LogEveryNSteps: 100,
		Beta1:          0.9,
		Beta2:          0.999,
		Eps:            1e-6,
	}
}

// Hooks are optional callbacks fired by the training loop.
type Hooks struct {
	// OnCheckpoint is called after every checkpoint write with the dev metrics
	// that triggered it.
	OnCheckpoint func(epoch int, path string, dev Metrics)
}

// Trainer runs the epoch loop over its batch sources.
type Trainer struct {
	Config      TrainConfig
	TrainSource BatchSource
	DevSource   BatchSource
	TestSource  BatchSource
	Vocab       *LabelVocab
	Fs          afero.Fs
	Logger      *zap.SugaredLogger
	Hooks       Hooks
}

// Train fits model on the train source, keeps the checkpoint with the best dev
// F1 at checkpointPath, reloads it and returns its metrics on the test source.
func (tr *Trainer) Train(model Model, checkpointPath string) (Metrics, error) {
	log := tr.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg := tr.Config
	if s, ok := model.(fmt.Stringer); ok {
		log.Infof("model:\n%s", s)
	}
	criterion := &CrossEntropy{IgnoreIndex: tr.Vocab.PadID}
	opt := NewAdamW(model.Parameters(), cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay)
	scheduler := &StepLR{Optimizer: opt, Gamma: cfg.LRDecayGamma}
	device := deviceOf(model)

	best, saved := 0.0, false
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		if err := tr.trainEpoch(model, criterion, opt, device, log); err != nil {
			return Metrics{}, errors.WithMessagef(err, "epoch %d", epoch)
		}
		dev, err := Evaluate(model, tr.DevSource, criterion, tr.Vocab)
		if err != nil {
			return Metrics{}, errors.WithMessagef(err, "evaluating dev set after epoch %d", epoch)
		}
		if dev.F1 > best {
			n, err := SaveCheckpoint(tr.Fs, checkpointPath, model)
			if err != nil {
				return Metrics{}, err
			}
			best, saved = dev.F1, true
			log.Infof("saved checkpoint %s (%s)", checkpointPath, humanBytes(n))
			if tr.Hooks.OnCheckpoint != nil {
				tr.Hooks.OnCheckpoint(epoch, checkpointPath, dev)
			}
		}
		log.Infof("DEV EPOCH:%d F1:%v ACC:%v LOSS:%v (took %v)", epoch, dev.F1, dev.Accuracy, dev.Loss, time.Since(start))
		log.Infof("REPORT:\n%s", dev.Report)
		scheduler.Step()
	}
	if cfg.Epochs == 0 {
		dev, err := Evaluate(model, tr.DevSource, criterion, tr.Vocab)
		if err != nil {
			return Metrics{}, errors.WithMessage(err, "evaluating dev set")
		}
		log.Infof("DEV EPOCH:- F1:%v ACC:%v LOSS:%v", dev.F1, dev.Accuracy, dev.Loss)
	}

	if !saved {
		return Metrics{}, kindf(ErrCheckpointNotFound, "dev F1 never improved on %v, nothing saved at %s", best, checkpointPath)
	}
	if err := LoadCheckpoint(tr.Fs, checkpointPath, model); err != nil {
		return Metrics{}, err
	}
	test, err := Evaluate(model, tr.TestSource, criterion, tr.Vocab)
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "evaluating test set")
	}
	log.Infof("TEST F1:%v ACC:%v LOSS:%v", test.F1, test.Accuracy, test.Loss)
	log.Infof("REPORT:\n%s", test.Report)
	return test, nil
}

func (tr *Trainer) trainEpoch(model Model, criterion *CrossEntropy, opt *AdamW, device Device, log *zap.SugaredLogger) error {
	model.SetTraining(true)
	tr.TrainSource.Reset()
	for step := 0; ; step++ {
		b, err := tr.TrainSource.NextBatch()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "reading batch %d", step)
		}
		if b, err = b.To(device); err != nil {
			return err
		}
		model.ZeroGradient()
		scores, err := model.Forward(b)
		if err != nil {
			return errors.WithMessagef(err, "forward on step %d", step)
		}
		loss, err := criterion.Forward(scores, b.LabelIDs)
		if err != nil {
			return errors.WithMessagef(err, "loss on step %d", step)
		}
		if IsNaN(loss) {
			return errors.Errorf("loss diverged to NaN on step %d", step)
		}
		dlogits, err := criterion.Backward()
		if err != nil {
			return err
		}
		if err := model.Backward(dlogits); err != nil {
			return errors.WithMessagef(err, "backward on step %d", step)
		}
		opt.Step()

		if cfg := tr.Config; cfg.LogEveryNSteps > 0 && step%cfg.LogEveryNSteps == 0 {
			trueTags, predTags, err := tagBatch(tr.Vocab, b.LabelIDs, scores)
			if err != nil {
				return err
			}
			f1, acc, _, err := Calculate(trueTags, predTags)
			if err != nil {
				return err
			}
			log.Infof("TRAIN STEP:%d F1:%v ACC:%v LOSS:%v", step, f1, acc, loss)
		}
	}
}
