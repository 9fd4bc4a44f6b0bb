package theseus

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Choice says which implementation a module uses for one forward pass.
type Choice int

const (
	UsePredecessor Choice = iota
	UseSuccessor
)

// ReplacementPolicy decides, per module and per training step, whether the
// successor module replaces its predecessor blocks.
type ReplacementPolicy interface {
	SelectLayer(step int) Choice
}

// ConstantReplacement picks the successor with a fixed probability.
type ConstantReplacement struct {
	Rate float64
	Rand *rand.Rand
}

func (p *ConstantReplacement) Probability(int) float64 {
	return clamp01(p.Rate)
}

func (p *ConstantReplacement) SelectLayer(step int) Choice {
	return bernoulli(p.Rand, p.Probability(step))
}

// LinearReplacement raises the replacement probability linearly with the step
// until every module uses the successor.
type LinearReplacement struct {
	Base  float64
	Slope float64
	Rand  *rand.Rand
}

func (p *LinearReplacement) Probability(step int) float64 {
	return clamp01(p.Base + p.Slope*float64(step))
}

func (p *LinearReplacement) SelectLayer(step int) Choice {
	return bernoulli(p.Rand, p.Probability(step))
}

func bernoulli(rng *rand.Rand, p float64) Choice {
	if rng.Float64() < p {
		return UseSuccessor
	}
	return UsePredecessor
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Theseus couples a predecessor with a shallower successor. Successor block i
// stands in for predecessor blocks [i*k, (i+1)*k). Only successor blocks are
// trained; the embeddings and head are shared from the predecessor and frozen.
type Theseus struct {
	predecessor *Encoder
	successor   *Encoder
	policy      ReplacementPolicy
	k           int
	step        int
	training    bool
	// Choices records the module choices of the last forward pass.
	Choices []Choice
}

// NewTheseus checks that successor can replace predecessor and copies the
// shared embeddings and head into the successor.
func NewTheseus(predecessor, successor *Encoder, policy ReplacementPolicy) (*Theseus, error) {
	lp, ls := predecessor.Config.NumLayers, successor.Config.NumLayers
	if ls <= 0 || lp%ls != 0 {
		return nil, kindf(ErrConfig, "predecessor depth %d is not a multiple of successor depth %d", lp, ls)
	}
	pc, sc := predecessor.Config, successor.Config
	sc.NumLayers = pc.NumLayers
	if pc != sc || predecessor.Classes != successor.Classes || predecessor.Head != successor.Head {
		return nil, kindf(ErrShape, "successor %+v (%d labels, %s head) cannot replace predecessor %+v (%d labels, %s head)",
			successor.Config, successor.Classes, successor.Head, predecessor.Config, predecessor.Classes, predecessor.Head)
	}
	if policy == nil {
		return nil, kindf(ErrConfig, "no replacement policy")
	}
	successor.copyShared(predecessor)
	return &Theseus{
		predecessor: predecessor,
		successor:   successor,
		policy:      policy,
		k:           lp / ls,
		Choices:     make([]Choice, ls),
	}, nil
}

func (t *Theseus) Variant() Variant { return VariantTheseus }

func (t *Theseus) NumLabels() int { return t.predecessor.Classes }

func (t *Theseus) Device() Device { return t.predecessor.device }

// Step is the number of training forward passes so far.
func (t *Theseus) Step() int { return t.step }

func (t *Theseus) SetTraining(training bool) {
	t.training = training
	t.predecessor.SetTraining(training)
	t.successor.SetTraining(training)
}

// Successor hands over the successor. The Theseus must not be used afterwards.
func (t *Theseus) Successor() *Encoder {
	s := t.successor
	t.predecessor, t.successor = nil, nil
	return s
}

func (t *Theseus) path() []*block {
	var path []*block
	for i := range t.Choices {
		choice := UseSuccessor
		if t.training {
			choice = t.policy.SelectLayer(t.step)
		}
		t.Choices[i] = choice
		if choice == UseSuccessor {
			path = append(path, t.successor.Blocks[i])
		} else {
			path = append(path, t.predecessor.Blocks[i*t.k:(i+1)*t.k]...)
		}
	}
	if t.training {
		t.step++
	}
	return path
}

// Forward samples a module path in training mode and runs the successor path
// otherwise.
func (t *Theseus) Forward(b Batch) (Tensor, error) {
	if err := t.predecessor.checkBatch(b); err != nil {
		return Tensor{}, err
	}
	return t.predecessor.run(b, t.path())
}

func (t *Theseus) Backward(dlogits []float32) error {
	return t.predecessor.backprop(dlogits)
}

func (t *Theseus) ZeroGradient() {
	t.predecessor.ZeroGradient()
	t.successor.ZeroGradient()
}

// Parameters lists only the successor blocks.
func (t *Theseus) Parameters() []Parameter {
	params := make([]Parameter, len(t.successor.Blocks))
	for i := range params {
		params[i] = t.successor.blockParameter(i)
		params[i].Name = "successor." + params[i].Name
	}
	return params
}

func (t *Theseus) header() checkpointHeader {
	return checkpointHeader{
		Variant:         VariantTheseus,
		Config:          t.predecessor.Config,
		NumLabels:       t.predecessor.Classes,
		Head:            t.predecessor.Head,
		SuccessorLayers: t.successor.Config.NumLayers,
	}
}

// Save writes a Theseus header followed by the predecessor and successor checkpoints.
func (t *Theseus) Save(w io.Writer) error {
	if err := t.header().write(w); err != nil {
		return err
	}
	if err := t.predecessor.Save(w); err != nil {
		return errors.WithMessage(err, "saving predecessor")
	}
	return errors.WithMessage(t.successor.Save(w), "saving successor")
}

// Load reads both sub-models before modifying either.
func (t *Theseus) Load(r io.Reader) error {
	h, err := readCheckpointHeader(r)
	if err != nil {
		return err
	}
	if err := h.matches(t.header()); err != nil {
		return err
	}
	pm, err := t.predecessor.decode(r)
	if err != nil {
		return errors.WithMessage(err, "loading predecessor")
	}
	sm, err := t.successor.decode(r)
	if err != nil {
		return errors.WithMessage(err, "loading successor")
	}
	copy(t.predecessor.Memory, pm)
	copy(t.successor.Memory, sm)
	return nil
}

func (t *Theseus) String() string {
	trainable := 0
	for _, p := range t.Parameters() {
		trainable += len(p.Data)
	}
	var s string
	s += "[Theseus]\n"
	s += fmt.Sprintf("replacement: %d successor modules x %d predecessor blocks\n", len(t.successor.Blocks), t.k)
	s += fmt.Sprintf("trainable_parameters: %s\n", humanize.Comma(int64(trainable)))
	s += t.predecessor.String()
	s += t.successor.String()
	return s
}
