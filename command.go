package theseus

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is reported by the version command.
var Version = "v0.1.0"

// CLI flags shared by train and evaluate.
type cliFlags struct {
	configPath   string
	debug        bool
	epochs       int
	batchSize    int
	learningRate float32
	device       string
	checkpoint   string
	output       string
}

// NewRootCommand builds the theseus command tree over fs.
func NewRootCommand(fs afero.Fs, stdout, stderr io.Writer) *cobra.Command {
	flags := &cliFlags{}
	rootCmd := &cobra.Command{
		Use:   "theseus",
		Short: "Compress a sequence labeling encoder by progressive module replacement",
		Long: `
		theseus fine-tunes a large predecessor encoder on a token classification task,
		trains a shallower successor by stochastically swapping it in for groups of
		predecessor blocks, and finally fine-tunes the successor alone.
	`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	logger := func() *zap.SugaredLogger {
		return NewLogger(zapcore.AddSync(stdout), zapcore.AddSync(stderr), flags.debug)
	}

	loadConfig := func(cmd *cobra.Command) (Config, error) {
		cfg, err := LoadConfig(fs, flags.configPath)
		if err != nil {
			return Config{}, err
		}
		if cmd.Flags().Changed("epochs") {
			cfg.Epochs = flags.epochs
		}
		if cmd.Flags().Changed("batch-size") {
			cfg.BatchSize = flags.batchSize
		}
		if cmd.Flags().Changed("learning-rate") {
			cfg.LearningRate = flags.learningRate
		}
		if cmd.Flags().Changed("device") {
			cfg.Device = flags.device
		}
		return cfg, cfg.Validate()
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run the predecessor, theseus and successor phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			device, _ := ParseDevice(cfg.Device)
			log.Infof("device: %s", device.Describe())
			o, err := NewOrchestrator(cfg, fs, log)
			if err != nil {
				return err
			}
			res, err := o.Run()
			if err != nil {
				return err
			}
			log.Infof("predecessor test F1:%v ACC:%v", res.Predecessor.F1, res.Predecessor.Accuracy)
			log.Infof("theseus test F1:%v ACC:%v", res.Theseus.F1, res.Theseus.Accuracy)
			log.Infof("successor test F1:%v ACC:%v, saved at %s", res.Successor.F1, res.Successor.Accuracy, cfg.BestSuccessorModelPath)
			return nil
		},
	}
	trainCmd.Flags().IntVar(&flags.epochs, "epochs", 0, "override epochs")
	trainCmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "override batch_size")
	trainCmd.Flags().Float32Var(&flags.learningRate, "learning-rate", 0, "override learning_rate")
	trainCmd.Flags().StringVar(&flags.device, "device", "", "override device")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a successor checkpoint on the test set",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			vocab, err := LoadLabelVocab(fs, cfg.Label2IdxPath)
			if err != nil {
				return err
			}
			test, err := NewDataLoader(fs, cfg.TestDataPath, cfg.BatchSize, false, cfg.Seed)
			if err != nil {
				return err
			}
			head, err := ParseHeadKind(cfg.ClassificationLayer)
			if err != nil {
				return err
			}
			model, err := NewEncoder(VariantSuccessor, cfg.Successor, vocab.NumClasses(), head, cfg.Seed)
			if err != nil {
				return err
			}
			checkpoint := cfg.BestSuccessorModelPath
			if flags.checkpoint != "" {
				checkpoint = flags.checkpoint
			}
			if err := LoadCheckpoint(fs, checkpoint, model); err != nil {
				return err
			}
			m, err := Evaluate(model, test, &CrossEntropy{IgnoreIndex: vocab.PadID}, vocab)
			if err != nil {
				return err
			}
			log.Infof("TEST F1:%v ACC:%v LOSS:%v", m.F1, m.Accuracy, m.Loss)
			fmt.Fprintf(cmd.OutOrStdout(), "%s", m.Report)
			return nil
		},
	}
	evaluateCmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "checkpoint to evaluate, defaults to best_successor_model_path")
	evaluateCmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "override batch_size")
	evaluateCmd.Flags().StringVar(&flags.device, "device", "", "override device")

	fetchCmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Download a pretrained encoder checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()
			n, err := download(fs, flags.output, args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			log.Infof("downloaded %s to %s", humanBytes(n), flags.output)
			return nil
		},
	}
	fetchCmd.Flags().StringVarP(&flags.output, "output", "o", "pretrained.bin", "where to write the checkpoint")

	var examples, seqLen int
	gendataCmd := &cobra.Command{
		Use:   "gendata",
		Short: "Write a synthetic labelled corpus and a matching config",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()
			cfg := DefaultConfig()
			if exists, _ := afero.Exists(fs, flags.configPath); exists {
				var err error
				if cfg, err = LoadConfig(fs, flags.configPath); err != nil {
					return err
				}
			}
			if seqLen <= 0 {
				return kindf(ErrConfig, "sequence length must be positive, got %d", seqLen)
			}
			if seqLen > cfg.Predecessor.MaxSeqLen {
				return kindf(ErrConfig, "sequence length %d exceeds max_seq_len %d", seqLen, cfg.Predecessor.MaxSeqLen)
			}
			return writeSyntheticCorpus(fs, cfg, flags.configPath, examples, seqLen, log)
		},
	}
	gendataCmd.Flags().IntVar(&examples, "examples", 1000, "training examples; dev and test get a fifth each")
	gendataCmd.Flags().IntVar(&seqLen, "seq-len", 32, "padded sequence length")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version and compute device",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "theseus %s\n%s\n", Version, CPU.Describe())
		},
	}

	rootCmd.AddCommand(trainCmd, evaluateCmd, fetchCmd, gendataCmd, versionCmd)
	return rootCmd
}

// describeError renders err the way the CLI reports failures.
func describeError(err error) string {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return fmt.Sprintf("failed (%s): %v", ErrorKind(err), err)
}

func InitializeCommand() {
	rootCmd := NewRootCommand(afero.NewOsFs(), os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}
