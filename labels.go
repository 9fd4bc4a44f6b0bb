package theseus

import (
	"encoding/json"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// PadLabel is the reserved label for padding positions.
const PadLabel = "<PAD>"

// LabelVocab maps label strings to class ids and back. It is read-only after
// load and safe to share.
type LabelVocab struct {
	LabelToID map[string]int32
	IDToLabel map[int32]string
	PadID     int32
}

// LoadLabelVocab reads a JSON object of label -> id.
func LoadLabelVocab(fs afero.Fs, path string) (*LabelVocab, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, kindf(ErrConfig, "opening label vocabulary %s: %v", path, err)
	}
	defer f.Close()
	return ReadLabelVocab(f)
}

func ReadLabelVocab(r io.Reader) (*LabelVocab, error) {
	var label2idx map[string]int32
	if err := json.NewDecoder(r).Decode(&label2idx); err != nil {
		return nil, kindf(ErrConfig, "malformed label vocabulary: %v", err)
	}
	return NewLabelVocab(label2idx)
}

// NewLabelVocab validates label2idx and builds its inverse. Ids must be
// unique and cover 0..len(label2idx)-1.
func NewLabelVocab(label2idx map[string]int32) (*LabelVocab, error) {
	padID, ok := label2idx[PadLabel]
	if !ok {
		return nil, kindf(ErrConfig, "label vocabulary has no %q entry", PadLabel)
	}
	v := &LabelVocab{
		LabelToID: make(map[string]int32, len(label2idx)),
		IDToLabel: make(map[int32]string, len(label2idx)),
		PadID:     padID,
	}
	for label, id := range label2idx {
		if id < 0 {
			return nil, kindf(ErrConfig, "label %q has negative id %d", label, id)
		}
		if other, dup := v.IDToLabel[id]; dup {
			return nil, kindf(ErrConfig, "labels %q and %q share id %d", other, label, id)
		}
		v.LabelToID[label] = id
		v.IDToLabel[id] = label
	}
	for id := range v.IDToLabel {
		if int(id) >= len(label2idx) {
			return nil, kindf(ErrConfig, "label ids must cover 0..%d without gaps, got id %d", len(label2idx)-1, id)
		}
	}
	return v, nil
}

func (v *LabelVocab) Len() int {
	return len(v.LabelToID)
}

// NumClasses is the width of the score dimension. Ids are dense, so every
// score column names a label.
func (v *LabelVocab) NumClasses() int {
	return len(v.IDToLabel)
}

func (v *LabelVocab) Label(id int32) (string, error) {
	l, ok := v.IDToLabel[id]
	if !ok {
		return "", kindf(ErrShape, "label id %d is not in the vocabulary", id)
	}
	return l, nil
}

// Labels translates ids to label strings.
func (v *LabelVocab) Labels(ids []int32) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		l, err := v.Label(id)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}

// Sorted lists the labels ordered by id.
func (v *LabelVocab) Sorted() []string {
	ids := maps.Keys(v.IDToLabel)
	slices.Sort(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = v.IDToLabel[id]
	}
	return out
}
