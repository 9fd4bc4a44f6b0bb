package theseus

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, fs afero.Fs, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(fs, &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, afero.NewMemMapFs(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "theseus "+Version+"\n"), out)
	assert.Contains(t, out, "cpu (")
}

func TestEvaluateCommand(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := writeFixture(t, fs)

	_, _, err := execute(t, fs, "evaluate")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound), "got %v", err)

	model, err := NewEncoder(VariantSuccessor, cfg.Successor, 6, HeadLinear, 1)
	require.NoError(t, err)
	_, err = SaveCheckpoint(fs, "elsewhere/successor.bin", model)
	require.NoError(t, err)

	out, logs, err := execute(t, fs, "evaluate", "--checkpoint", "elsewhere/successor.bin", "--batch-size", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "precision")
	assert.Contains(t, out, "micro avg")
	assert.Contains(t, logs+out, "TEST F1:")

	_, _, err = execute(t, fs, "evaluate", "--checkpoint", cfg.TrainDataPath)
	assert.True(t, errors.Is(err, ErrCorruptCheckpoint), "got %v", err)
}

func TestTrainCommand_errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, _, err := execute(t, fs, "train", "--config", "missing.yaml")
	assert.True(t, errors.Is(err, ErrConfig))
	assert.True(t, strings.HasPrefix(describeError(err), "failed (ConfigError): "), describeError(err))

	writeFixture(t, fs)
	_, _, err = execute(t, fs, "train", "--device", "cuda")
	assert.True(t, errors.Is(err, ErrDevice))

	_, _, err = execute(t, fs, "train", "--epochs", "0")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound), "got %v", err)
	assert.True(t, strings.HasPrefix(describeError(err), "phase predecessor failed (CheckpointNotFoundError): "), describeError(err))
}

func TestGendataCommand(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := writeFixture(t, fs)
	require.NoError(t, fs.RemoveAll("data"))

	_, _, err := execute(t, fs, "gendata", "--examples", "20", "--seq-len", "5")
	require.NoError(t, err)

	loaded, err := LoadConfig(fs, "config.yaml")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	vocab, err := LoadLabelVocab(fs, cfg.Label2IdxPath)
	require.NoError(t, err)
	assert.Equal(t, 6, vocab.NumClasses())
	for path, n := range map[string]int{cfg.TrainDataPath: 20, cfg.DevDataPath: 4, cfg.TestDataPath: 4} {
		loader, err := NewDataLoader(fs, path, 2, false, 0)
		require.NoError(t, err)
		assert.Equal(t, n, loader.NumExamples, path)
	}

	for _, seqLen := range []string{"7", "0", "-3"} {
		_, _, err = execute(t, fs, "gendata", "--seq-len="+seqLen)
		assert.True(t, errors.Is(err, ErrConfig), "seq-len %s: got %v", seqLen, err)
	}
}

func TestFetchCommand(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 100_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model.bin" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	_, progress, err := execute(t, fs, "fetch", srv.URL+"/model.bin", "-o", "models/pretrained.bin")
	require.NoError(t, err)
	assert.Contains(t, progress, "Downloading...")
	got, err := afero.ReadFile(fs, "models/pretrained.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	exists, err := afero.Exists(fs, "models/pretrained.bin.part")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = execute(t, fs, "fetch", srv.URL+"/missing.bin", "-o", "models/other.bin")
	assert.Error(t, err)
	exists, err = afero.Exists(fs, "models/other.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFetchCommand_truncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(bytes.Repeat([]byte{7}, 10))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	_, _, err := execute(t, fs, "fetch", srv.URL+"/model.bin", "-o", "models/pretrained.bin")
	require.Error(t, err)
	for _, path := range []string{"models/pretrained.bin", "models/pretrained.bin.part"} {
		exists, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
}

func TestDescribeError(t *testing.T) {
	err := &PhaseError{Phase: PhaseTheseus, Err: kindf(ErrCorruptCheckpoint, "bad magic")}
	assert.Equal(t, "phase theseus failed (CorruptCheckpointError): bad magic: corrupt checkpoint", describeError(errors.WithMessage(err, "run")))
	assert.Equal(t, "failed (Error): boom", describeError(errors.New("boom")))
}
