package theseus

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Phase names a stage of the compression pipeline.
type Phase int

const (
	PhasePredecessor Phase = iota + 1
	PhaseTheseus
	PhaseSuccessor
)

func (p Phase) String() string {
	switch p {
	case PhasePredecessor:
		return "predecessor"
	case PhaseTheseus:
		return "theseus"
	case PhaseSuccessor:
		return "successor"
	default:
		return "unknown"
	}
}

// Result carries the test metrics of every phase and the final successor.
type Result struct {
	Predecessor Metrics
	Theseus     Metrics
	Successor   Metrics
	Model       *Encoder
}

// Orchestrator runs predecessor fine-tuning, Theseus replacement training and
// successor fine-tuning in order. Each phase starts from the checkpoint the
// previous phase persisted.
type Orchestrator struct {
	Config      Config
	Fs          afero.Fs
	Logger      *zap.SugaredLogger
	Hooks       Hooks
	Vocab       *LabelVocab
	TrainSource BatchSource
	DevSource   BatchSource
	TestSource  BatchSource
	// Policy overrides the replacement policy built from Config.
	Policy ReplacementPolicy
}

// NewOrchestrator validates cfg and loads the label vocabulary and datasets it names.
func NewOrchestrator(cfg Config, fs afero.Fs, logger *zap.SugaredLogger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vocab, err := LoadLabelVocab(fs, cfg.Label2IdxPath)
	if err != nil {
		return nil, err
	}
	train, err := NewDataLoader(fs, cfg.TrainDataPath, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return nil, err
	}
	dev, err := NewDataLoader(fs, cfg.DevDataPath, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return nil, err
	}
	test, err := NewDataLoader(fs, cfg.TestDataPath, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Infof("datasets: train %d, dev %d, test %d examples", train.NumExamples, dev.NumExamples, test.NumExamples)
	return &Orchestrator{
		Config:      cfg,
		Fs:          fs,
		Logger:      logger,
		Vocab:       vocab,
		TrainSource: train,
		DevSource:   dev,
		TestSource:  test,
	}, nil
}

func (o *Orchestrator) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

func (o *Orchestrator) trainer(phase Phase) *Trainer {
	return &Trainer{
		Config:      o.Config.TrainConfig(),
		TrainSource: o.TrainSource,
		DevSource:   o.DevSource,
		TestSource:  o.TestSource,
		Vocab:       o.Vocab,
		Fs:          o.Fs,
		Logger:      o.logger().With("phase", phase.String()),
		Hooks:       o.Hooks,
	}
}

// Run executes all three phases. Any failure stops the run and is returned as
// a *PhaseError.
func (o *Orchestrator) Run() (Result, error) {
	var res Result
	predecessor, successor, metrics, err := o.RunPredecessor()
	if err != nil {
		return res, err
	}
	res.Predecessor = metrics
	theseus, metrics, err := o.RunTheseus(predecessor, successor)
	if err != nil {
		return res, err
	}
	res.Theseus = metrics
	res.Model, res.Successor, err = o.RunSuccessor(theseus)
	return res, err
}

// NewModels builds the predecessor and successor encoders. The predecessor
// backbone is loaded from PretrainedModelPath when set.
func (o *Orchestrator) NewModels() (*Encoder, *Encoder, error) {
	cfg := o.Config
	if _, err := ParseDevice(cfg.Device); err != nil {
		return nil, nil, err
	}
	head, err := ParseHeadKind(cfg.ClassificationLayer)
	if err != nil {
		return nil, nil, err
	}
	numLabels := o.Vocab.NumClasses()
	predecessor, err := NewEncoder(VariantPredecessor, cfg.Predecessor, numLabels, head, cfg.Seed)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building predecessor")
	}
	if cfg.PretrainedModelPath != "" {
		if err := LoadPretrainedFile(o.Fs, cfg.PretrainedModelPath, predecessor); err != nil {
			return nil, nil, err
		}
		o.logger().Infof("loaded pretrained backbone from %s", cfg.PretrainedModelPath)
	}
	successor, err := NewEncoder(VariantSuccessor, cfg.Successor, numLabels, head, cfg.Seed+1)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building successor")
	}
	return predecessor, successor, nil
}

// RunPredecessor fine-tunes a fresh predecessor and persists it to
// BestPredecessorModelPath.
func (o *Orchestrator) RunPredecessor() (*Encoder, *Encoder, Metrics, error) {
	o.logger().Infof("phase %s: fine-tuning predecessor", PhasePredecessor)
	predecessor, successor, err := o.NewModels()
	if err != nil {
		return nil, nil, Metrics{}, &PhaseError{Phase: PhasePredecessor, Err: err}
	}
	metrics, err := o.trainer(PhasePredecessor).Train(predecessor, o.Config.BestPredecessorModelPath)
	if err != nil {
		return nil, nil, Metrics{}, &PhaseError{Phase: PhasePredecessor, Err: err}
	}
	return predecessor, successor, metrics, nil
}

// RunTheseus reloads the best predecessor, couples it with successor and trains
// the successor modules through stochastic replacement.
func (o *Orchestrator) RunTheseus(predecessor, successor *Encoder) (*Theseus, Metrics, error) {
	cfg := o.Config
	o.logger().Infof("phase %s: replacing predecessor modules", PhaseTheseus)
	fail := func(err error) (*Theseus, Metrics, error) {
		return nil, Metrics{}, &PhaseError{Phase: PhaseTheseus, Err: err}
	}
	if err := LoadCheckpoint(o.Fs, cfg.BestPredecessorModelPath, predecessor); err != nil {
		return fail(err)
	}
	policy := o.Policy
	if policy == nil {
		var err error
		if policy, err = cfg.Policy(rand.New(rand.NewSource(cfg.Seed))); err != nil {
			return fail(err)
		}
	}
	theseus, err := NewTheseus(predecessor, successor, policy)
	if err != nil {
		return fail(err)
	}
	metrics, err := o.trainer(PhaseTheseus).Train(theseus, cfg.BestTheseusModelPath)
	if err != nil {
		return fail(err)
	}
	return theseus, metrics, nil
}

// RunSuccessor reloads the best Theseus, extracts its successor and fine-tunes
// it alone.
func (o *Orchestrator) RunSuccessor(theseus *Theseus) (*Encoder, Metrics, error) {
	cfg := o.Config
	o.logger().Infof("phase %s: fine-tuning successor", PhaseSuccessor)
	if err := LoadCheckpoint(o.Fs, cfg.BestTheseusModelPath, theseus); err != nil {
		return nil, Metrics{}, &PhaseError{Phase: PhaseSuccessor, Err: err}
	}
	successor := theseus.Successor()
	metrics, err := o.trainer(PhaseSuccessor).Train(successor, cfg.BestSuccessorModelPath)
	if err != nil {
		return nil, Metrics{}, &PhaseError{Phase: PhaseSuccessor, Err: err}
	}
	return successor, metrics, nil
}
