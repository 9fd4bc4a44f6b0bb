package theseus

import (
	"bufio"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SyntheticLabels is the label vocabulary of SyntheticExamples.
func SyntheticLabels() map[string]int32 {
	return map[string]int32{
		PadLabel: 0,
		"O":      1,
		"B-PER":  2,
		"I-PER":  3,
		"B-LOC":  4,
		"I-LOC":  5,
	}
}

// SyntheticExamples generates n sequences of length T over a vocabulary of
// vocabSize ids, tagged with the IOB2 labels of SyntheticLabels. Token id 0 is
// padding. The lowest eighth of the remaining ids are person words and the next
// eighth location words; a run of same-kind words forms one entity. The
// second half of each sequence carries token type 1.
func SyntheticExamples(n, T, vocabSize int, seed int64) []Example {
	labels := SyntheticLabels()
	rng := rand.New(rand.NewSource(seed))
	words := vocabSize - 1
	band := words / 8
	if band < 1 {
		band = 1
	}
	examples := make([]Example, n)
	for i := range examples {
		ex := Example{
			InputIDs:      make([]int32, T),
			AttentionMask: make([]int32, T),
			TokenTypeIDs:  make([]int32, T),
			LabelIDs:      make([]int32, T),
		}
		length := T/2 + rng.Intn(T-T/2) + 1
		prev := ""
		for t := 0; t < T; t++ {
			if t >= length {
				ex.LabelIDs[t] = labels[PadLabel]
				continue
			}
			id := 1 + rng.Intn(words)
			kind := ""
			switch {
			case id <= band:
				kind = "PER"
			case id <= 2*band:
				kind = "LOC"
			}
			ex.InputIDs[t] = int32(id)
			ex.AttentionMask[t] = 1
			if t >= length/2 {
				ex.TokenTypeIDs[t] = 1
			}
			switch {
			case kind == "":
				ex.LabelIDs[t] = labels["O"]
			case kind == prev:
				ex.LabelIDs[t] = labels["I-"+kind]
			default:
				ex.LabelIDs[t] = labels["B-"+kind]
			}
			prev = kind
		}
		examples[i] = ex
	}
	return examples
}

// writeSyntheticCorpus writes the label vocabulary, the three dataset splits
// named by cfg and cfg itself to configPath.
func writeSyntheticCorpus(fs afero.Fs, cfg Config, configPath string, n, T int, log *zap.SugaredLogger) error {
	labels, err := json.MarshalIndent(SyntheticLabels(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding labels")
	}
	if err := writeFile(fs, cfg.Label2IdxPath, func(w io.Writer) error {
		_, err := w.Write(labels)
		return err
	}); err != nil {
		return err
	}
	for i, split := range []struct {
		path string
		n    int
	}{
		{cfg.TrainDataPath, n},
		{cfg.DevDataPath, n / 5},
		{cfg.TestDataPath, n / 5},
	} {
		examples := SyntheticExamples(split.n, T, cfg.Predecessor.VocabSize, cfg.Seed+int64(i))
		if err := writeFile(fs, split.path, func(w io.Writer) error { return WriteDataset(w, examples) }); err != nil {
			return err
		}
		log.Infof("wrote %d examples to %s", split.n, split.path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return writeFile(fs, configPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeFile(fs afero.Fs, path string, write func(w io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return errors.WithMessagef(err, "writing %s", path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}
