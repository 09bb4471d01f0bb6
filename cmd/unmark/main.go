package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/inference"
	"github.com/nvr-ai/go-unmark/inpaint"
	"github.com/nvr-ai/go-unmark/memory"
	"github.com/nvr-ai/go-unmark/pipeline"
)

type options struct {
	configPath string
	model      string
	library    string
	provider   string
	template   string
	method     string
	batch      bool
	sequential bool
	batchSize  int
	noHWAccel  bool
	verbose    bool
	quiet      bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "unmark <input> <output>",
	Short: "Remove a watermark from a video or image sequence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd.Context(), opts, args[0], args[1])
	},
}

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(config.Default())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&opts.model, "model", "m", "", "ONNX watermark detection model")
	f.StringVar(&opts.library, "onnxruntime", "", "Path to the ONNX Runtime shared library")
	f.StringVar(&opts.provider, "provider", "", "Execution provider: cpu, cuda or coreml")
	f.StringVarP(&opts.template, "template", "t", "", "Watermark template image for assisted detection")
	f.StringVar(&opts.method, "inpaint", "", "Inpainting method: telea, ns or blur")
	f.BoolVarP(&opts.batch, "batch", "b", false, "Process in memory-aware batches")
	f.BoolVar(&opts.sequential, "sequential", false, "Detect the whole video before cleaning (two passes)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Frames per batch")
	f.BoolVar(&opts.noHWAccel, "no-hwaccel", false, "Never use a hardware encoder")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Hide the progress bar")

	rootCmd.AddCommand(defaultsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadConfig merges the YAML file and the flags that were set.
func loadConfig(o options) (config.Config, error) {
	if o.batch && o.sequential {
		return config.Config{}, errors.New("--batch and --sequential are mutually exclusive")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.model != "" {
		cfg.Inference.ModelPath = o.model
	}
	if o.library != "" {
		cfg.Inference.LibraryPath = o.library
	}
	if o.provider != "" {
		cfg.Inference.Provider = o.provider
	}
	if o.template != "" {
		cfg.Template.Path = o.template
	}
	if o.method != "" {
		cfg.Inpaint.Method = o.method
	}
	switch {
	case o.batch:
		cfg.Batch.Enabled = true
	case o.sequential:
		cfg.Batch.Enabled = false
	}
	if o.batchSize > 0 {
		cfg.Batch.Size = o.batchSize
	}
	if o.noHWAccel {
		cfg.Encoding.HWAccel = false
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, o options, input, output string) error {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if cfg.Inference.ModelPath == "" {
		return errors.New("a detection model is required (--model or inference.model_path)")
	}

	model, err := inference.NewONNXDetector(cfg.Inference, logger)
	if err != nil {
		return err
	}
	defer model.Close()

	var detector inference.Detector = model
	if cfg.Template.Path != "" {
		matcher, err := inference.NewTemplateMatcher(cfg.Template)
		if err != nil {
			return err
		}
		defer matcher.Close()
		detector = inference.NewAssistedDetector(model, matcher, cfg.Template, logger)
		logger.Info("template assist enabled", "template", cfg.Template.Path)
	}

	inpainter, err := inpaint.New(cfg.Inpaint, logger)
	if err != nil {
		return err
	}

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Inference.Provider == "cuda" {
		pipelineOpts = append(pipelineOpts, pipeline.WithMemory(memory.NewManager(cfg.Memory,
			memory.WithLogger(logger),
			memory.WithGPU(memory.NvidiaSMI{}),
		)))
	}
	if !o.quiet {
		bar := progressbar.NewOptions64(100,
			progressbar.OptionSetDescription("Removing watermark"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
		pipelineOpts = append(pipelineOpts, pipeline.WithProgress(func(percent uint8) {
			bar.Set(int(percent))
		}))
	}

	result, err := pipeline.New(cfg, detector, inpainter, pipelineOpts...).ProcessFile(ctx, input, output)
	if err != nil {
		logger.Error("processing failed", "input", input, "error", err)
		return err
	}

	m := model.Metrics()
	logger.Info("inference",
		"runs", m.Inferences,
		"frames", m.Frames,
		"avg", m.Average(),
	)
	fmt.Fprintf(os.Stderr, "\n%s: %d frames, %d cleaned, %d interpolated\n",
		result.Output, result.Stats.Frames, result.Stats.Cleaned, result.Stats.Interpolated)
	return nil
}
