package theseus

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	checkpointMagic   = 20241019
	checkpointVersion = 1
)

// checkpointHeader is the 256 x int32 preamble of every checkpoint. For a
// Theseus checkpoint Config describes the predecessor and SuccessorLayers the
// successor depth.
type checkpointHeader struct {
	Variant         Variant
	Config          EncoderConfig
	NumLabels       int
	Head            HeadKind
	SuccessorLayers int
}

func (h checkpointHeader) write(w io.Writer) error {
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(h.Variant)
	header[3] = int32(h.Config.MaxSeqLen)
	header[4] = int32(h.Config.VocabSize)
	header[5] = int32(h.Config.TypeVocabSize)
	header[6] = int32(h.Config.NumLayers)
	header[7] = int32(h.Config.NumHeads)
	header[8] = int32(h.Config.Channels)
	header[9] = int32(h.NumLabels)
	header[10] = int32(h.Head)
	header[11] = int32(h.SuccessorLayers)
	return errors.Wrap(binary.Write(w, binary.LittleEndian, header), "writing checkpoint header")
}

func readCheckpointHeader(r io.Reader) (checkpointHeader, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return checkpointHeader{}, kindf(ErrCorruptCheckpoint, "reading checkpoint header: %v", err)
	}
	if header[0] != checkpointMagic {
		return checkpointHeader{}, kindf(ErrCorruptCheckpoint, "bad checkpoint magic %d", header[0])
	}
	if header[1] != checkpointVersion {
		return checkpointHeader{}, kindf(ErrCorruptCheckpoint, "unsupported checkpoint version %d", header[1])
	}
	return checkpointHeader{
		Variant: Variant(header[2]),
		Config: EncoderConfig{
			MaxSeqLen:     int(header[3]),
			VocabSize:     int(header[4]),
			TypeVocabSize: int(header[5]),
			NumLayers:     int(header[6]),
			NumHeads:      int(header[7]),
			Channels:      int(header[8]),
		},
		NumLabels:       int(header[9]),
		Head:            HeadKind(header[10]),
		SuccessorLayers: int(header[11]),
	}, nil
}

func (h checkpointHeader) matches(want checkpointHeader) error {
	if h.Variant != want.Variant {
		return kindf(ErrShape, "checkpoint holds a %s model, want %s", h.Variant, want.Variant)
	}
	if h != want {
		return kindf(ErrShape, "checkpoint layout %+v does not match model layout %+v", h, want)
	}
	return nil
}

func readParameters(r io.Reader, n int) ([]float32, error) {
	mem := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, mem); err != nil {
		return nil, kindf(ErrCorruptCheckpoint, "reading %d parameters: %v", n, err)
	}
	return mem, nil
}

// SaveCheckpoint writes m to path, replacing any previous file only once the
// new one is complete. It returns the number of bytes written.
func SaveCheckpoint(fs afero.Fs, path string, m Model) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
			return 0, errors.Wrapf(err, "creating checkpoint directory %s", dir)
		}
	}
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "creating checkpoint %s", tmp)
	}
	bw := bufio.NewWriter(f)
	w := &countingWriter{w: bw}
	if err := m.Save(w); err != nil {
		f.Close()
		return 0, errors.WithMessagef(err, "saving checkpoint %s", path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "flushing checkpoint %s", path)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing checkpoint %s", path)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return 0, errors.Wrapf(err, "moving checkpoint into place at %s", path)
	}
	return w.n, nil
}

// LoadCheckpoint reads path into m. A missing file is ErrCheckpointNotFound.
func LoadCheckpoint(fs afero.Fs, path string, m Model) error {
	f, err := fs.Open(path)
	if os.IsNotExist(err) {
		return kindf(ErrCheckpointNotFound, "no checkpoint at %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer f.Close()
	return errors.WithMessagef(m.Load(bufio.NewReader(f)), "loading checkpoint %s", path)
}

// LoadPretrainedFile initialises the backbone of e from an encoder checkpoint.
func LoadPretrainedFile(fs afero.Fs, path string, e *Encoder) error {
	f, err := fs.Open(path)
	if os.IsNotExist(err) {
		return kindf(ErrCheckpointNotFound, "no pretrained model at %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "opening pretrained model %s", path)
	}
	defer f.Close()
	return errors.WithMessagef(e.LoadPretrained(bufio.NewReader(f)), "loading pretrained model %s", path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
