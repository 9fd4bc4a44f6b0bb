package theseus

import (
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	datasetMagic   = 20241020
	datasetVersion = 1
	headerLen      = 256
)

// Batch holds the four [B,T] tensors of one step, in fixed order: the first
// three are model inputs, LabelIDs is the supervision signal.
type Batch struct {
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32
	LabelIDs      []int32
	B, T          int
	Device        Device
}

// Validate checks every tensor holds exactly B*T values.
func (b Batch) Validate() error {
	if b.B <= 0 || b.T <= 0 {
		return kindf(ErrShape, "batch has shape [%d, %d]", b.B, b.T)
	}
	n := b.B * b.T
	for i, t := range [][]int32{b.InputIDs, b.AttentionMask, b.TokenTypeIDs, b.LabelIDs} {
		if len(t) != n {
			return kindf(ErrShape, "batch tensor %d has %d values, want %d", i, len(t), n)
		}
	}
	return nil
}

// To transfers the batch to d. Host tensors need no copy, so this only checks
// the device and tags the batch.
func (b Batch) To(d Device) (Batch, error) {
	if d != CPU {
		return Batch{}, kindf(ErrDevice, "cannot transfer batch to %q", d)
	}
	b.Device = d
	return b, nil
}

// Example is one padded sequence of length T.
type Example struct {
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32
	LabelIDs      []int32
}

// BatchSource yields one finite pass of batches per Reset.
type BatchSource interface {
	// Reset starts a new pass; shuffled sources draw a new order.
	Reset()
	// NextBatch returns io.EOF once the pass is exhausted.
	NextBatch() (Batch, error)
	NumBatches() int
}

// DataLoader batches a fixed set of examples. The last batch of a pass holds
// the remainder and may be smaller than batchSize.
type DataLoader struct {
	examples    []Example
	batchSize   int
	seqLength   int
	shuffle     bool
	rng         *rand.Rand
	order       []int
	position    int
	NumExamples int
}

// NewDataLoader reads a dataset file written by WriteDataset.
func NewDataLoader(fs afero.Fs, filename string, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	f, err := fs.Open(filename)
	if err != nil {
		return nil, kindf(ErrConfig, "opening dataset %s: %v", filename, err)
	}
	defer f.Close()
	examples, err := ReadDataset(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading dataset %s", filename)
	}
	return newDataLoader(examples, batchSize, shuffle, seed)
}

// NewDataLoaderFromExamples batches in-memory examples.
func NewDataLoaderFromExamples(examples []Example, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	for i, ex := range examples {
		if err := ex.validate(len(examples[0].InputIDs)); err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
	}
	return newDataLoader(examples, batchSize, shuffle, seed)
}

func newDataLoader(examples []Example, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, kindf(ErrConfig, "batch size must be positive, got %d", batchSize)
	}
	loader := &DataLoader{
		examples:    examples,
		batchSize:   batchSize,
		shuffle:     shuffle,
		rng:         rand.New(rand.NewSource(seed)),
		order:       make([]int, len(examples)),
		NumExamples: len(examples),
	}
	if len(examples) > 0 {
		loader.seqLength = len(examples[0].InputIDs)
	}
	loader.Reset()
	return loader, nil
}

func (loader *DataLoader) Reset() {
	for i := range loader.order {
		loader.order[i] = i
	}
	if loader.shuffle {
		loader.rng.Shuffle(len(loader.order), func(i, j int) {
			loader.order[i], loader.order[j] = loader.order[j], loader.order[i]
		})
	}
	loader.position = 0
}

func (loader *DataLoader) NumBatches() int {
	return (len(loader.examples) + loader.batchSize - 1) / loader.batchSize
}

func (loader *DataLoader) NextBatch() (Batch, error) {
	if loader.position >= len(loader.order) {
		return Batch{}, io.EOF
	}
	end := loader.position + loader.batchSize
	if end > len(loader.order) {
		end = len(loader.order)
	}
	idx := loader.order[loader.position:end]
	loader.position = end

	B, T := len(idx), loader.seqLength
	batch := Batch{
		InputIDs:      make([]int32, 0, B*T),
		AttentionMask: make([]int32, 0, B*T),
		TokenTypeIDs:  make([]int32, 0, B*T),
		LabelIDs:      make([]int32, 0, B*T),
		B:             B,
		T:             T,
		Device:        CPU,
	}
	for _, i := range idx {
		ex := loader.examples[i]
		batch.InputIDs = append(batch.InputIDs, ex.InputIDs...)
		batch.AttentionMask = append(batch.AttentionMask, ex.AttentionMask...)
		batch.TokenTypeIDs = append(batch.TokenTypeIDs, ex.TokenTypeIDs...)
		batch.LabelIDs = append(batch.LabelIDs, ex.LabelIDs...)
	}
	return batch, nil
}

func (ex Example) validate(T int) error {
	for i, t := range [][]int32{ex.InputIDs, ex.AttentionMask, ex.TokenTypeIDs, ex.LabelIDs} {
		if len(t) != T {
			return kindf(ErrShape, "tensor %d has length %d, want %d", i, len(t), T)
		}
	}
	return nil
}

// ReadDataset decodes a 256 x int32 header (magic, version, N, T) followed by N
// examples of four T-long int32 rows.
func ReadDataset(r io.Reader) ([]Example, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, kindf(ErrConfig, "reading dataset header: %v", err)
	}
	if header[0] != datasetMagic || header[1] != datasetVersion {
		return nil, kindf(ErrConfig, "bad dataset file format")
	}
	N, T := int(header[2]), int(header[3])
	if N < 0 || (N > 0 && T <= 0) {
		return nil, kindf(ErrShape, "dataset header declares %d examples of length %d", N, T)
	}
	data := make([]int32, N*4*T)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, kindf(ErrConfig, "reading dataset body: %v", err)
	}
	examples := make([]Example, N)
	for i := range examples {
		row := data[i*4*T:]
		examples[i] = Example{
			InputIDs:      row[0*T : 1*T : 1*T],
			AttentionMask: row[1*T : 2*T : 2*T],
			TokenTypeIDs:  row[2*T : 3*T : 3*T],
			LabelIDs:      row[3*T : 4*T : 4*T],
		}
	}
	return examples, nil
}

// WriteDataset encodes examples in the format read by ReadDataset.
func WriteDataset(w io.Writer, examples []Example) error {
	T := 0
	if len(examples) > 0 {
		T = len(examples[0].InputIDs)
	}
	header := make([]int32, headerLen)
	header[0], header[1], header[2], header[3] = datasetMagic, datasetVersion, int32(len(examples)), int32(T)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return errors.Wrap(err, "writing dataset header")
	}
	for i, ex := range examples {
		if err := ex.validate(T); err != nil {
			return errors.WithMessagef(err, "example %d", i)
		}
		for _, t := range [][]int32{ex.InputIDs, ex.AttentionMask, ex.TokenTypeIDs, ex.LabelIDs} {
			if err := binary.Write(w, binary.LittleEndian, t); err != nil {
				return errors.Wrapf(err, "writing example %d", i)
			}
		}
	}
	return nil
}
