package theseus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const initStd = 0.02

// EncoderConfig holds the hyper-parameters of a transformer encoder.
type EncoderConfig struct {
	MaxSeqLen     int `yaml:"max_seq_len"`
	VocabSize     int `yaml:"vocab_size"`
	TypeVocabSize int `yaml:"type_vocab_size"`
	NumLayers     int `yaml:"num_layers"`
	NumHeads      int `yaml:"num_heads"`
	Channels      int `yaml:"channels"`
}

func (c EncoderConfig) Validate() error {
	switch {
	case c.MaxSeqLen <= 0, c.VocabSize <= 0, c.TypeVocabSize <= 0, c.NumLayers <= 0, c.NumHeads <= 0, c.Channels <= 0:
		return kindf(ErrConfig, "encoder dimensions must be positive: %+v", c)
	case c.Channels%c.NumHeads != 0:
		return kindf(ErrConfig, "channels %d not divisible by %d heads", c.Channels, c.NumHeads)
	}
	return nil
}

// encoderParams are the weights outside the blocks. Hidden* is empty for a
// linear head.
type encoderParams struct {
	WordTokEmbed  Tensor // (V, C)
	WordPosEmbed  Tensor // (maxT, C)
	TokTypeEmbed  Tensor // (TV, C)
	LayerFinNormW Tensor // (C)
	LayerFinNormB Tensor // (C)
	HiddenW       Tensor // (C, C)
	HiddenB       Tensor // (C)
	ClassifierW   Tensor // (NL, C)
	ClassifierB   Tensor // (NL)
}

type encoderActs struct {
	Encoded            Tensor // (B, T, C)
	LayerNormFinal     Tensor // (B, T, C)
	LayerNormFinalMean Tensor // (B, T)
	LayerNormFinalRstd Tensor // (B, T)
	Hidden             Tensor // (B, T, C)
	HiddenGelu         Tensor // (B, T, C)
	Logits             Tensor // (B, T, NL)
	// Output and Spare carry block gradients during backward.
	Output Tensor // (B, T, C)
	Spare  Tensor // (B, T, C)
	Memory []float32
}

func (a *encoderActs) init(B, T, C, NL int) {
	btc := []int{B, T, C}
	a.Memory = make([]float32, sizeOf(btc, btc, []int{B, T}, []int{B, T}, btc, btc, []int{B, T, NL}, btc, btc))
	ar := &arena{mem: a.Memory}
	a.Encoded = ar.take(B, T, C)
	a.LayerNormFinal = ar.take(B, T, C)
	a.LayerNormFinalMean = ar.take(B, T)
	a.LayerNormFinalRstd = ar.take(B, T)
	a.Hidden = ar.take(B, T, C)
	a.HiddenGelu = ar.take(B, T, C)
	a.Logits = ar.take(B, T, NL)
	a.Output = ar.take(B, T, C)
	a.Spare = ar.take(B, T, C)
	ar.done()
}

// Encoder is a bidirectional transformer with a token classification head.
// Parameters live in one Memory slice laid out as embeddings, blocks, final
// layer norm, head; Blocks and Params are views into it.
type Encoder struct {
	Config     EncoderConfig
	Classes    int
	Head       HeadKind
	Params     encoderParams
	Grads      encoderParams
	Blocks     []*block
	Memory     []float32
	GradMemory []float32

	variant  Variant
	device   Device
	training bool

	acts, dacts encoderActs
	B, T        int
	batch       Batch
	path        []*block
	final       []float32
}

func embeddingsLen(c EncoderConfig) int {
	return (c.VocabSize + c.MaxSeqLen + c.TypeVocabSize) * c.Channels
}

// headLen covers the final layer norm and the classification layer.
func headLen(C, NL int, head HeadKind) int {
	n := 2*C + NL*C + NL
	if head == HeadMLP {
		n += C*C + C
	}
	return n
}

// backboneLen is the prefix of Memory shared by every encoder with the same
// config regardless of its head: embeddings, blocks and the final layer norm.
func backboneLen(c EncoderConfig) int {
	return embeddingsLen(c) + c.NumLayers*blockParamsLen(c.Channels) + 2*c.Channels
}

func encoderLen(c EncoderConfig, NL int, head HeadKind) int {
	return embeddingsLen(c) + c.NumLayers*blockParamsLen(c.Channels) + headLen(c.Channels, NL, head)
}

// NewEncoder allocates an encoder and initialises it from seed.
func NewEncoder(variant Variant, cfg EncoderConfig, numLabels int, head HeadKind, seed int64) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numLabels <= 0 {
		return nil, kindf(ErrConfig, "need at least one label, got %d", numLabels)
	}
	e := &Encoder{
		Config:  cfg,
		Classes: numLabels,
		Head:    head,
		variant: variant,
		device:  CPU,
	}
	n := encoderLen(cfg, numLabels, head)
	e.Memory = make([]float32, n)
	e.GradMemory = make([]float32, n)
	e.carve()
	e.init(rand.New(rand.NewSource(seed)))
	return e, nil
}

func (e *Encoder) carve() {
	C, NL := e.Config.Channels, e.Classes
	pa, ga := &arena{mem: e.Memory}, &arena{mem: e.GradMemory}
	for _, x := range []struct {
		a *arena
		p *encoderParams
	}{{pa, &e.Params}, {ga, &e.Grads}} {
		x.p.WordTokEmbed = x.a.take(e.Config.VocabSize, C)
		x.p.WordPosEmbed = x.a.take(e.Config.MaxSeqLen, C)
		x.p.TokTypeEmbed = x.a.take(e.Config.TypeVocabSize, C)
	}
	e.Blocks = make([]*block, e.Config.NumLayers)
	for l := range e.Blocks {
		e.Blocks[l] = newBlock(pa, ga, C, e.Config.NumHeads)
	}
	for _, x := range []struct {
		a *arena
		p *encoderParams
	}{{pa, &e.Params}, {ga, &e.Grads}} {
		x.p.LayerFinNormW = x.a.take(C)
		x.p.LayerFinNormB = x.a.take(C)
		if e.Head == HeadMLP {
			x.p.HiddenW = x.a.take(C, C)
			x.p.HiddenB = x.a.take(C)
		}
		x.p.ClassifierW = x.a.take(NL, C)
		x.p.ClassifierB = x.a.take(NL)
		x.a.done()
	}
}

func (e *Encoder) init(rng *rand.Rand) {
	p := e.Params
	normal(rng, p.WordTokEmbed.data, initStd)
	normal(rng, p.WordPosEmbed.data, initStd)
	normal(rng, p.TokTypeEmbed.data, initStd)
	for _, l := range e.Blocks {
		l.Params.init(rng)
	}
	fill(p.LayerFinNormW.data, 1)
	if e.Head == HeadMLP {
		normal(rng, p.HiddenW.data, initStd)
	}
	normal(rng, p.ClassifierW.data, initStd)
}

func (e *Encoder) Variant() Variant { return e.variant }

func (e *Encoder) NumLabels() int { return e.Classes }

func (e *Encoder) Device() Device { return e.device }

func (e *Encoder) SetTraining(training bool) { e.training = training }

func (e *Encoder) String() string {
	var s string
	s += fmt.Sprintf("[Encoder %s]\n", e.variant)
	s += fmt.Sprintf("max_seq_len: %d\n", e.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", e.Config.VocabSize)
	s += fmt.Sprintf("type_vocab_size: %d\n", e.Config.TypeVocabSize)
	s += fmt.Sprintf("num_layers: %d\n", e.Config.NumLayers)
	s += fmt.Sprintf("num_heads: %d\n", e.Config.NumHeads)
	s += fmt.Sprintf("channels: %d\n", e.Config.Channels)
	s += fmt.Sprintf("num_labels: %d\n", e.Classes)
	s += fmt.Sprintf("classification_layer: %s\n", e.Head)
	s += fmt.Sprintf("num_parameters: %s\n", humanize.Comma(int64(len(e.Memory))))
	return s
}

// Parameters returns the embeddings, each block, and the head as separate groups.
func (e *Encoder) Parameters() []Parameter {
	emb := embeddingsLen(e.Config)
	head := headLen(e.Config.Channels, e.Classes, e.Head)
	params := []Parameter{{Name: "embeddings", Data: e.Memory[:emb], Grad: e.GradMemory[:emb]}}
	for i := range e.Blocks {
		params = append(params, e.blockParameter(i))
	}
	n := len(e.Memory)
	return append(params, Parameter{Name: "head", Data: e.Memory[n-head:], Grad: e.GradMemory[n-head:]})
}

func (e *Encoder) blockParameter(i int) Parameter {
	return Parameter{
		Name: fmt.Sprintf("block.%d", i),
		Data: e.Blocks[i].Memory,
		Grad: e.Blocks[i].GradMemory,
	}
}

func (e *Encoder) ZeroGradient() {
	zero(e.GradMemory)
}

func (e *Encoder) ensure(B, T int) {
	if e.B == B && e.T == T && e.acts.Memory != nil {
		return
	}
	e.B, e.T = B, T
	e.acts.init(B, T, e.Config.Channels, e.Classes)
	e.dacts.init(B, T, e.Config.Channels, e.Classes)
}

func (e *Encoder) checkBatch(b Batch) error {
	if err := checkDevice(e.device, b.Device); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if b.T > e.Config.MaxSeqLen {
		return kindf(ErrShape, "sequence length %d exceeds max_seq_len %d", b.T, e.Config.MaxSeqLen)
	}
	for i, id := range b.InputIDs {
		if id < 0 || int(id) >= e.Config.VocabSize {
			return kindf(ErrShape, "input id %d at position %d outside vocabulary of %d", id, i, e.Config.VocabSize)
		}
	}
	for i, id := range b.TokenTypeIDs {
		if id < 0 || int(id) >= e.Config.TypeVocabSize {
			return kindf(ErrShape, "token type id %d at position %d outside %d types", id, i, e.Config.TypeVocabSize)
		}
	}
	return nil
}

func (e *Encoder) Forward(b Batch) (Tensor, error) {
	return e.run(b, e.Blocks)
}

// run embeds the batch, passes it through path and applies the head. path may
// hold blocks owned by another encoder of the same width.
func (e *Encoder) run(b Batch, path []*block) (Tensor, error) {
	if err := e.checkBatch(b); err != nil {
		return Tensor{}, err
	}
	B, T, C, NL := b.B, b.T, e.Config.Channels, e.Classes
	e.ensure(B, T)
	e.batch, e.path = b, path
	p, a := e.Params, e.acts
	encoderForward(a.Encoded.data, b.InputIDs, b.TokenTypeIDs, p.WordTokEmbed.data, p.WordPosEmbed.data, p.TokTypeEmbed.data, B, T, C)
	x := a.Encoded.data
	for _, l := range path {
		x = l.forward(x, b.AttentionMask, B, T)
	}
	e.final = x
	layernormForward(a.LayerNormFinal.data, a.LayerNormFinalMean.data, a.LayerNormFinalRstd.data, x, p.LayerFinNormW.data, p.LayerFinNormB.data, B, T, C)
	if e.Head == HeadMLP {
		matmulForward(a.Hidden.data, a.LayerNormFinal.data, p.HiddenW.data, p.HiddenB.data, B, T, C, C)
		geluForward(a.HiddenGelu.data, a.Hidden.data, B*T*C)
		matmulForward(a.Logits.data, a.HiddenGelu.data, p.ClassifierW.data, p.ClassifierB.data, B, T, C, NL)
	} else {
		matmulForward(a.Logits.data, a.LayerNormFinal.data, p.ClassifierW.data, p.ClassifierB.data, B, T, C, NL)
	}
	return a.Logits, nil
}

func (e *Encoder) Backward(dlogits []float32) error {
	return e.backprop(dlogits)
}

// backprop runs the backward pass of the last run, through the same path.
func (e *Encoder) backprop(dlogits []float32) error {
	if e.path == nil {
		return errors.New("backward called before forward")
	}
	B, T, C, NL := e.B, e.T, e.Config.Channels, e.Classes
	if len(dlogits) != B*T*NL {
		return kindf(ErrShape, "score gradient has %d values, want %d", len(dlogits), B*T*NL)
	}
	p, g, a, d := e.Params, e.Grads, e.acts, e.dacts
	zero(d.Memory)
	if e.Head == HeadMLP {
		matmulBackward(d.HiddenGelu.data, g.ClassifierW.data, g.ClassifierB.data, dlogits, a.HiddenGelu.data, p.ClassifierW.data, B, T, C, NL)
		geluBackward(d.Hidden.data, a.Hidden.data, d.HiddenGelu.data, B*T*C)
		matmulBackward(d.LayerNormFinal.data, g.HiddenW.data, g.HiddenB.data, d.Hidden.data, a.LayerNormFinal.data, p.HiddenW.data, B, T, C, C)
	} else {
		matmulBackward(d.LayerNormFinal.data, g.ClassifierW.data, g.ClassifierB.data, dlogits, a.LayerNormFinal.data, p.ClassifierW.data, B, T, C, NL)
	}
	dout, spare := d.Output.data, d.Spare.data
	layernormBackward(dout, g.LayerFinNormW.data, g.LayerFinNormB.data, d.LayerNormFinal.data, e.final, p.LayerFinNormW.data, a.LayerNormFinalMean.data, a.LayerNormFinalRstd.data, B, T, C)
	for i := len(e.path) - 1; i >= 0; i-- {
		dinp := spare
		if i == 0 {
			dinp = d.Encoded.data
		}
		zero(dinp)
		e.path[i].backward(dinp, dout, e.batch.AttentionMask, B, T)
		dout, spare = dinp, dout
	}
	encoderBackward(g.WordTokEmbed.data, g.WordPosEmbed.data, g.TokTypeEmbed.data, d.Encoded.data, e.batch.InputIDs, e.batch.TokenTypeIDs, B, T, C)
	return nil
}

// copyShared copies the embeddings, final layer norm and head of src, which
// must have the same config apart from the number of layers.
func (e *Encoder) copyShared(src *Encoder) {
	emb := embeddingsLen(e.Config)
	head := headLen(e.Config.Channels, e.Classes, e.Head)
	copy(e.Memory[:emb], src.Memory[:emb])
	copy(e.Memory[len(e.Memory)-head:], src.Memory[len(src.Memory)-head:])
}

func (e *Encoder) header() checkpointHeader {
	return checkpointHeader{
		Variant:   e.variant,
		Config:    e.Config,
		NumLabels: e.Classes,
		Head:      e.Head,
	}
}

// Save writes the checkpoint header and all parameters.
func (e *Encoder) Save(w io.Writer) error {
	if err := e.header().write(w); err != nil {
		return err
	}
	return errors.Wrap(binary.Write(w, binary.LittleEndian, e.Memory), "writing parameters")
}

// Load reads a checkpoint written by Save. The model is left untouched when
// the checkpoint does not match or is truncated.
func (e *Encoder) Load(r io.Reader) error {
	mem, err := e.decode(r)
	if err != nil {
		return err
	}
	copy(e.Memory, mem)
	return nil
}

func (e *Encoder) decode(r io.Reader) ([]float32, error) {
	h, err := readCheckpointHeader(r)
	if err != nil {
		return nil, err
	}
	if err := h.matches(e.header()); err != nil {
		return nil, err
	}
	return readParameters(r, len(e.Memory))
}

// LoadPretrained initialises the embeddings, blocks and final layer norm from
// any encoder checkpoint with the same encoder config. The head keeps its
// current weights.
func (e *Encoder) LoadPretrained(r io.Reader) error {
	h, err := readCheckpointHeader(r)
	if err != nil {
		return err
	}
	if h.Config != e.Config {
		return kindf(ErrShape, "pretrained encoder %+v does not match %+v", h.Config, e.Config)
	}
	if h.NumLabels < 0 || (h.Head != HeadLinear && h.Head != HeadMLP) {
		return kindf(ErrCorruptCheckpoint, "pretrained header has %d labels and head %d", h.NumLabels, h.Head)
	}
	mem, err := readParameters(r, encoderLen(h.Config, h.NumLabels, h.Head))
	if err != nil {
		return err
	}
	n := backboneLen(e.Config)
	copy(e.Memory[:n], mem[:n])
	return nil
}

func fill(xs []float32, v float32) {
	for i := range xs {
		xs[i] = v
	}
}

func normal(rng *rand.Rand, xs []float32, std float64) {
	for i := range xs {
		xs[i] = float32(rng.NormFloat64() * std)
	}
}
