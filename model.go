package theseus

import (
	"io"
	"strings"
)

// Model is what the training and evaluation loops drive. Scores returned by
// Forward stay valid until the next Forward call.
type Model interface {
	Variant() Variant
	// Forward returns scores of shape (B, T, NumLabels) and keeps the
	// activations needed by Backward.
	Forward(b Batch) (Tensor, error)
	// Backward accumulates parameter gradients from the gradient of the scores.
	Backward(dlogits []float32) error
	ZeroGradient()
	// Parameters lists the trainable parameter groups.
	Parameters() []Parameter
	SetTraining(training bool)
	Save(w io.Writer) error
	Load(r io.Reader) error
	NumLabels() int
}

// Variant tags the role a model plays in the compression pipeline.
type Variant int32

const (
	VariantPredecessor Variant = iota + 1
	VariantSuccessor
	VariantTheseus
	// VariantBackbone marks a pretrained encoder file without a task head of
	// its own. It is only ever loaded through LoadPretrained.
	VariantBackbone
)

func (v Variant) String() string {
	switch v {
	case VariantPredecessor:
		return "predecessor"
	case VariantSuccessor:
		return "successor"
	case VariantTheseus:
		return "theseus"
	case VariantBackbone:
		return "backbone"
	default:
		return "unknown"
	}
}

// Parameter is a named group of weights with the gradient buffer of the same
// length.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// HeadKind selects the classification layer put on top of the encoder.
type HeadKind int32

const (
	HeadLinear HeadKind = iota
	HeadMLP
)

func ParseHeadKind(s string) (HeadKind, error) {
	switch strings.ToLower(s) {
	case "", "linear":
		return HeadLinear, nil
	case "mlp":
		return HeadMLP, nil
	default:
		return 0, kindf(ErrConfig, "unknown classification layer %q", s)
	}
}

func (h HeadKind) String() string {
	if h == HeadMLP {
		return "mlp"
	}
	return "linear"
}
