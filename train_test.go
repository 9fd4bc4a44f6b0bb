package theseus

import (
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type quality int

const (
	predictNothing quality = iota
	predictHalf
	predictAll
)

// scriptedModel predicts from the true labels with a per-epoch quality, so
// the dev F1 of every epoch is known up front.
type scriptedModel struct {
	schedule []quality
	epoch    int
	training bool
	forwards int
	scores   []float32
	data     []float32
	grad     []float32
}

func newScriptedModel(schedule ...quality) *scriptedModel {
	return &scriptedModel{schedule: schedule, data: []float32{0}, grad: []float32{0}}
}

func (m *scriptedModel) Variant() Variant { return VariantSuccessor }

func (m *scriptedModel) NumLabels() int { return 3 }

func (m *scriptedModel) SetTraining(training bool) {
	if training && !m.training {
		m.epoch++
	}
	m.training = training
}

func (m *scriptedModel) Forward(b Batch) (Tensor, error) {
	m.forwards++
	m.scores = make([]float32, b.B*b.T*3)
	q := predictNothing
	if m.epoch > 0 && m.epoch <= len(m.schedule) {
		q = m.schedule[m.epoch-1]
	}
	entities := 0
	for i, id := range b.LabelIDs {
		pred := int32(1)
		if id == 2 {
			entities++
			if q == predictAll || (q == predictHalf && entities == 1) {
				pred = 2
			}
		}
		m.scores[i*3+int(pred)] = 1
	}
	return Tensor{data: m.scores, dims: []int{b.B, b.T, 3}}, nil
}

func (m *scriptedModel) Backward(dlogits []float32) error {
	m.grad[0] = 1
	return nil
}

func (m *scriptedModel) ZeroGradient() { m.grad[0] = 0 }

func (m *scriptedModel) Parameters() []Parameter {
	return []Parameter{{Name: "w", Data: m.data, Grad: m.grad}}
}

func (m *scriptedModel) Save(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, int32(m.epoch))
}

func (m *scriptedModel) Load(r io.Reader) error {
	var epoch int32
	if err := binary.Read(r, binary.LittleEndian, &epoch); err != nil {
		return kindf(ErrCorruptCheckpoint, "%v", err)
	}
	m.epoch = int(epoch)
	return nil
}

// twoEntityLoader holds one sequence "B-X O B-X O" over the vocabulary of twoEntityVocab.
func twoEntityLoader(t *testing.T) *DataLoader {
	t.Helper()
	loader, err := NewDataLoaderFromExamples([]Example{{
		InputIDs:      []int32{1, 2, 3, 4},
		AttentionMask: []int32{1, 1, 1, 1},
		TokenTypeIDs:  []int32{0, 0, 0, 0},
		LabelIDs:      []int32{2, 1, 2, 1},
	}}, 1, false, 0)
	require.NoError(t, err)
	return loader
}

func twoEntityVocab(t *testing.T) *LabelVocab {
	t.Helper()
	vocab, err := NewLabelVocab(map[string]int32{PadLabel: 0, "O": 1, "B-X": 2})
	require.NoError(t, err)
	return vocab
}

func scriptedTrainer(t *testing.T, epochs int, logger *zap.SugaredLogger) *Trainer {
	cfg := DefaultTrainConfig()
	cfg.Epochs = epochs
	cfg.LogEveryNSteps = 1
	return &Trainer{
		Config:      cfg,
		TrainSource: twoEntityLoader(t),
		DevSource:   twoEntityLoader(t),
		TestSource:  twoEntityLoader(t),
		Vocab:       twoEntityVocab(t),
		Fs:          afero.NewMemMapFs(),
		Logger:      logger,
	}
}

func TestTrainer_savesOnStrictImprovement(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := scriptedTrainer(t, 4, zap.New(core).Sugar())
	var savedEpochs []int
	var savedF1 []float64
	tr.Hooks.OnCheckpoint = func(epoch int, path string, dev Metrics) {
		assert.Equal(t, "out/best.bin", path)
		savedEpochs = append(savedEpochs, epoch)
		savedF1 = append(savedF1, dev.F1)
	}

	// dev F1 per epoch: 2/3, 2/3, 1, 0
	model := newScriptedModel(predictHalf, predictHalf, predictAll, predictNothing)
	test, err := tr.Train(model, "out/best.bin")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, savedEpochs)
	assert.InDeltaSlice(t, []float64{2.0 / 3, 1}, savedF1, 1e-9)
	assert.Equal(t, 3, model.epoch, "the best checkpoint is reloaded before testing")
	assert.Equal(t, 1.0, test.F1)
	assert.Equal(t, 1.0, test.Accuracy)

	assert.Equal(t, 4, logs.FilterMessageSnippet("TRAIN STEP:0 ").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("DEV EPOCH:4 ").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("TEST F1:1 ").Len())
	assert.Equal(t, 2, logs.FilterMessageSnippet("saved checkpoint out/best.bin").Len())
}

func TestTrainer_zeroEpochs(t *testing.T) {
	tr := scriptedTrainer(t, 0, zaptest.NewLogger(t).Sugar())
	model := newScriptedModel()
	_, err := tr.Train(model, "out/best.bin")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound), "got %v", err)
	assert.Equal(t, 0, model.epoch, "no training epoch ran")
	assert.Equal(t, 1, model.forwards, "the dev set is still evaluated once")
}

func TestTrainer_neverImproves(t *testing.T) {
	tr := scriptedTrainer(t, 2, nil)
	fs := tr.Fs
	_, err := tr.Train(newScriptedModel(predictNothing, predictNothing), "best.bin")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
	exists, err := afero.Exists(fs, "best.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

// divergingModel scores every training token with NaN.
type divergingModel struct{ *scriptedModel }

func (m divergingModel) Forward(b Batch) (Tensor, error) {
	scores, err := m.scriptedModel.Forward(b)
	if m.training {
		for i := range scores.data {
			scores.data[i] = float32(math.NaN())
		}
	}
	return scores, err
}

func TestTrainer_nanLoss(t *testing.T) {
	tr := scriptedTrainer(t, 1, nil)
	model := divergingModel{newScriptedModel(predictAll)}
	_, err := tr.Train(model, "best.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN on step 0")
	assert.Zero(t, model.data[0], "no optimizer step after a NaN loss")
}

func TestTrainer_learningRateDecay(t *testing.T) {
	tr := scriptedTrainer(t, 3, nil)
	tr.Config.LearningRate = 1
	tr.Config.LRDecayGamma = 0.5
	model := newScriptedModel(predictAll, predictAll, predictAll)
	_, err := tr.Train(model, "best.bin")
	require.NoError(t, err)
	// sign-sized AdamW steps of lr 1, 0.5 and 0.25 on a constant gradient of 1
	assert.InDelta(t, -1.75, model.data[0], 1e-4)
}

func TestTrainer_encoderLearns(t *testing.T) {
	vocab := syntheticVocab(t)
	model := tinyEncoder(t, VariantPredecessor, 2, vocab.NumClasses(), HeadLinear, 1)
	train := syntheticLoader(t, 64, true, 3)
	dev := syntheticLoader(t, 16, false, 4)
	criterion := &CrossEntropy{IgnoreIndex: vocab.PadID}
	before, err := Evaluate(model, dev, criterion, vocab)
	require.NoError(t, err)

	cfg := DefaultTrainConfig()
	cfg.LearningRate = 1e-2
	cfg.Epochs = 8
	cfg.LogEveryNSteps = 0
	tr := &Trainer{
		Config:      cfg,
		TrainSource: train,
		DevSource:   dev,
		TestSource:  dev,
		Vocab:       vocab,
		Fs:          afero.NewMemMapFs(),
		Logger:      zaptest.NewLogger(t).Sugar(),
	}
	after, err := tr.Train(model, "best.bin")
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.Greater(t, after.F1, before.F1)
	assert.Greater(t, after.Report.Micro.Support, 0)
}
