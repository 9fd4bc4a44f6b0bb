package theseus

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*Encoder)(nil)

func tinyConfig(layers int) EncoderConfig {
	return EncoderConfig{
		MaxSeqLen:     6,
		VocabSize:     16,
		TypeVocabSize: 2,
		NumLayers:     layers,
		NumHeads:      2,
		Channels:      4,
	}
}

func tinyEncoder(t *testing.T, variant Variant, layers, numLabels int, head HeadKind, seed int64) *Encoder {
	t.Helper()
	e, err := NewEncoder(variant, tinyConfig(layers), numLabels, head, seed)
	require.NoError(t, err)
	return e
}

// tinyBatch is a (2, 3) batch whose second sequence ends in padding.
func tinyBatch() Batch {
	return Batch{
		InputIDs:      []int32{3, 7, 1, 9, 2, 0},
		AttentionMask: []int32{1, 1, 1, 1, 1, 0},
		TokenTypeIDs:  []int32{0, 0, 1, 0, 1, 0},
		LabelIDs:      []int32{1, 2, 1, 1, 2, 0},
		B:             2,
		T:             3,
		Device:        CPU,
	}
}

func TestNewEncoder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EncoderConfig
		labels  int
		wantErr error
	}{
		{name: "ok", cfg: tinyConfig(2), labels: 3},
		{name: "heads do not divide channels", cfg: EncoderConfig{MaxSeqLen: 2, VocabSize: 2, TypeVocabSize: 1, NumLayers: 1, NumHeads: 3, Channels: 4}, labels: 3, wantErr: ErrConfig},
		{name: "zero layers", cfg: tinyConfig(0), labels: 3, wantErr: ErrConfig},
		{name: "no labels", cfg: tinyConfig(1), labels: 0, wantErr: ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEncoder(VariantPredecessor, tt.cfg, tt.labels, HeadLinear, 1)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, e.Memory, encoderLen(tt.cfg, tt.labels, HeadLinear))
			assert.Contains(t, e.String(), "num_layers: 2")
		})
	}
}

func TestEncoder_Parameters(t *testing.T) {
	for _, head := range []HeadKind{HeadLinear, HeadMLP} {
		t.Run(head.String(), func(t *testing.T) {
			e := tinyEncoder(t, VariantPredecessor, 3, 5, head, 1)
			params := e.Parameters()
			names := make([]string, len(params))
			total := 0
			for i, p := range params {
				names[i] = p.Name
				require.Equal(t, len(p.Data), len(p.Grad))
				total += len(p.Data)
			}
			assert.Equal(t, []string{"embeddings", "block.0", "block.1", "block.2", "head"}, names)
			assert.Equal(t, len(e.Memory), total)
			assert.Equal(t, headLen(4, 5, head), len(params[4].Data))
		})
	}
}

func TestEncoder_Forward_deterministic(t *testing.T) {
	a := tinyEncoder(t, VariantPredecessor, 2, 3, HeadLinear, 1)
	b := tinyEncoder(t, VariantPredecessor, 2, 3, HeadLinear, 1)
	sa, err := a.Forward(tinyBatch())
	require.NoError(t, err)
	sb, err := b.Forward(tinyBatch())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3}, sa.Dims())
	assert.Equal(t, sa.Data(), sb.Data())

	c := tinyEncoder(t, VariantPredecessor, 2, 3, HeadLinear, 2)
	sc, err := c.Forward(tinyBatch())
	require.NoError(t, err)
	assert.NotEqual(t, sa.Data(), sc.Data())
}

func TestEncoder_Forward_badBatch(t *testing.T) {
	e := tinyEncoder(t, VariantPredecessor, 1, 3, HeadLinear, 1)
	tests := []struct {
		name   string
		mutate func(b *Batch)
		kind   error
	}{
		{name: "device", mutate: func(b *Batch) { b.Device = "cuda" }, kind: ErrDevice},
		{name: "token out of vocabulary", mutate: func(b *Batch) { b.InputIDs[0] = 16 }, kind: ErrShape},
		{name: "negative token", mutate: func(b *Batch) { b.InputIDs[0] = -1 }, kind: ErrShape},
		{name: "token type out of range", mutate: func(b *Batch) { b.TokenTypeIDs[1] = 2 }, kind: ErrShape},
		{name: "ragged", mutate: func(b *Batch) { b.AttentionMask = b.AttentionMask[:5] }, kind: ErrShape},
		{
			name: "longer than max_seq_len",
			mutate: func(b *Batch) {
				long := make([]int32, 7)
				*b = Batch{InputIDs: long, AttentionMask: long, TokenTypeIDs: long, LabelIDs: long, B: 1, T: 7, Device: CPU}
			},
			kind: ErrShape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tinyBatch()
			tt.mutate(&b)
			_, err := e.Forward(b)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestEncoder_Backward_beforeForward(t *testing.T) {
	e := tinyEncoder(t, VariantPredecessor, 1, 3, HeadLinear, 1)
	assert.Error(t, e.Backward(make([]float32, 18)))

	_, err := e.Forward(tinyBatch())
	require.NoError(t, err)
	assert.True(t, errors.Is(e.Backward(make([]float32, 5)), ErrShape))
}

// TestEncoder_gradients checks the analytic gradient of sum(scores * r) against
// central differences for every parameter.
func TestEncoder_gradients(t *testing.T) {
	for _, head := range []HeadKind{HeadLinear, HeadMLP} {
		t.Run(head.String(), func(t *testing.T) {
			e := tinyEncoder(t, VariantPredecessor, 2, 3, head, 1)
			rng := rand.New(rand.NewSource(5))
			// larger weights than the initialisation so every gradient is well above noise
			normal(rng, e.Memory, 0.5)
			b := tinyBatch()
			r := randSlice(rng, b.B*b.T*3)
			loss := func() float64 {
				scores, err := e.Forward(b)
				require.NoError(t, err)
				return dot(scores.Data(), r)
			}
			loss()
			e.ZeroGradient()
			require.NoError(t, e.Backward(r))
			analytic := append([]float32(nil), e.GradMemory...)
			assertGrad(t, "memory", analytic, e.Memory, loss)
		})
	}
}

func TestEncoder_SaveLoad(t *testing.T) {
	src := tinyEncoder(t, VariantPredecessor, 2, 3, HeadMLP, 1)
	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))
	assert.Equal(t, 4*(headerLen+len(src.Memory)), buf.Len())
	saved := buf.Bytes()

	dst := tinyEncoder(t, VariantPredecessor, 2, 3, HeadMLP, 2)
	require.NoError(t, dst.Load(bytes.NewReader(saved)))
	assert.Equal(t, src.Memory, dst.Memory)

	want, err := src.Forward(tinyBatch())
	require.NoError(t, err)
	got, err := dst.Forward(tinyBatch())
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	tests := []struct {
		name   string
		data   []byte
		target *Encoder
		kind   error
	}{
		{
			name:   "garbage",
			data:   []byte("definitely not a checkpoint"),
			target: tinyEncoder(t, VariantPredecessor, 2, 3, HeadMLP, 3),
			kind:   ErrCorruptCheckpoint,
		},
		{
			name:   "bad magic",
			data:   append(make([]byte, 4), saved[4:]...),
			target: tinyEncoder(t, VariantPredecessor, 2, 3, HeadMLP, 3),
			kind:   ErrCorruptCheckpoint,
		},
		{
			name:   "truncated",
			data:   saved[:len(saved)-1],
			target: tinyEncoder(t, VariantPredecessor, 2, 3, HeadMLP, 3),
			kind:   ErrCorruptCheckpoint,
		},
		{
			name:   "variant mismatch",
			data:   saved,
			target: tinyEncoder(t, VariantSuccessor, 2, 3, HeadMLP, 3),
			kind:   ErrShape,
		},
		{
			name:   "head mismatch",
			data:   saved,
			target: tinyEncoder(t, VariantPredecessor, 2, 3, HeadLinear, 3),
			kind:   ErrShape,
		},
		{
			name:   "depth mismatch",
			data:   saved,
			target: tinyEncoder(t, VariantPredecessor, 1, 3, HeadMLP, 3),
			kind:   ErrShape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := append([]float32(nil), tt.target.Memory...)
			err := tt.target.Load(bytes.NewReader(tt.data))
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Equal(t, before, tt.target.Memory, "failed load must not modify the model")
		})
	}
}

func TestEncoder_LoadPretrained(t *testing.T) {
	pretrained := tinyEncoder(t, VariantBackbone, 2, 7, HeadMLP, 1)
	var buf bytes.Buffer
	require.NoError(t, pretrained.Save(&buf))

	e := tinyEncoder(t, VariantPredecessor, 2, 3, HeadLinear, 2)
	classifier := append([]float32(nil), e.Params.ClassifierW.Data()...)
	require.NoError(t, e.LoadPretrained(bytes.NewReader(buf.Bytes())))

	n := backboneLen(e.Config)
	assert.Equal(t, pretrained.Memory[:n], e.Memory[:n])
	assert.Equal(t, classifier, e.Params.ClassifierW.Data(), "the task head is not pretrained")

	other := tinyEncoder(t, VariantPredecessor, 1, 3, HeadLinear, 2)
	err := other.LoadPretrained(bytes.NewReader(buf.Bytes()))
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)
}

func TestCheckpointFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := tinyEncoder(t, VariantSuccessor, 1, 3, HeadLinear, 1)
	n, err := SaveCheckpoint(fs, "output/nested/best.bin", src)
	require.NoError(t, err)
	assert.Equal(t, int64(4*(headerLen+len(src.Memory))), n)

	info, err := fs.Stat("output/nested/best.bin")
	require.NoError(t, err)
	assert.Equal(t, n, info.Size())
	_, err = fs.Stat("output/nested/best.bin.tmp")
	assert.Error(t, err, "temporary file is moved into place")

	dst := tinyEncoder(t, VariantSuccessor, 1, 3, HeadLinear, 2)
	require.NoError(t, LoadCheckpoint(fs, "output/nested/best.bin", dst))
	assert.Equal(t, src.Memory, dst.Memory)

	err = LoadCheckpoint(fs, "output/missing.bin", dst)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
	assert.Equal(t, "CheckpointNotFoundError", ErrorKind(err))

	require.NoError(t, afero.WriteFile(fs, "output/corrupt.bin", []byte{1, 2, 3}, 0o644))
	err = LoadCheckpoint(fs, "output/corrupt.bin", dst)
	assert.True(t, errors.Is(err, ErrCorruptCheckpoint))

	pre := tinyEncoder(t, VariantPredecessor, 1, 3, HeadLinear, 3)
	require.NoError(t, LoadPretrainedFile(fs, "output/nested/best.bin", pre))
	assert.Equal(t, src.Memory[:backboneLen(pre.Config)], pre.Memory[:backboneLen(pre.Config)])
	err = LoadPretrainedFile(fs, "output/missing.bin", pre)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestVariant_String(t *testing.T) {
	for v, want := range map[Variant]string{
		VariantPredecessor: "predecessor",
		VariantSuccessor:   "successor",
		VariantTheseus:     "theseus",
		VariantBackbone:    "backbone",
		Variant(42):        "unknown",
	} {
		assert.Equal(t, want, v.String(), fmt.Sprint(int32(v)))
	}
}

func TestParseHeadKind(t *testing.T) {
	for in, want := range map[string]HeadKind{"": HeadLinear, "linear": HeadLinear, "MLP": HeadMLP} {
		got, err := ParseHeadKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseHeadKind("crf")
	assert.True(t, errors.Is(err, ErrConfig))
}
