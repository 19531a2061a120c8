package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"joycaption/internal/bootstrap"
	"joycaption/internal/caption"
	"joycaption/internal/config"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/logutil"
	"joycaption/internal/metrics"
	"joycaption/internal/prompt"

	_ "joycaption/internal/engine/reference"
)

// NewCLI builds the command tree. Without a subcommand the desktop UI starts.
func NewCLI() *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "joycaption",
		Short: "Caption images with a vision-language model",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.New(newLogger(cmd, debug))
			if err != nil {
				return fmt.Errorf("bootstrap app: %w", err)
			}
			return app.Run()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newBatchCmd(&debug),
		newPromptCmd(),
		newOptionsCmd(),
	)
	return rootCmd
}

func newLogger(cmd *cobra.Command, debug bool) zerolog.Logger {
	return logutil.New(cmd.ErrOrStderr(), logutil.Level(debug || config.DebugFromEnv(os.LookupEnv)))
}

// captionFlags are shared by the commands that build a prompt.
type captionFlags struct {
	mode   string
	length string
	extras []string
	name   string
}

func (f *captionFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.mode, "mode", prompt.DefaultMode, "Caption mode")
	flags.StringVar(&f.length, "length", prompt.DefaultLength, `Caption length: "any", a word count or a descriptor`)
	flags.StringArrayVar(&f.extras, "extra", nil, "Extra instruction, repeatable")
	flags.StringVar(&f.name, "name", "", "Name used for people or characters")
}

func (f *captionFlags) spec() (domain.CaptionSpec, error) {
	if !prompt.HasMode(f.mode) {
		return domain.CaptionSpec{}, fmt.Errorf("unknown mode %q", f.mode)
	}
	return domain.CaptionSpec{
		Mode:         f.mode,
		Length:       f.length,
		ExtraOptions: f.extras,
		Name:         f.name,
	}, nil
}

func newPromptCmd() *cobra.Command {
	var flags captionFlags

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the prompt for a caption style",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := flags.spec()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), prompt.BuildSpec(spec))
			return err
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "List caption modes, lengths and extra instructions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var modes [][]string
			for _, mode := range prompt.Modes() {
				modes = append(modes, []string{mode, prompt.Build(mode, prompt.AnyLength, nil, "")})
			}
			renderTable(out, []string{"MODE", "PROMPT"}, modes)

			fmt.Fprintf(out, "\nLENGTHS: %s\n\nEXTRA OPTIONS:\n", strings.Join(prompt.Lengths(), ", "))
			for _, extra := range prompt.ExtraOptions() {
				fmt.Fprintf(out, "  - %s\n", extra)
			}
			fmt.Fprintf(out, "\nBACKENDS: %s\n", strings.Join(engine.Backends(), ", "))
			return nil
		},
	}
}

func newBatchCmd(debug *bool) *cobra.Command {
	var flags captionFlags
	settings := config.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "batch [flags] IMAGE...",
		Short: "Caption images into .txt files without the UI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd, *debug)

			cfg, err := config.FromEnv(config.DefaultSettings(), os.LookupEnv)
			if err != nil {
				return err
			}
			cfg = applyChangedFlags(cmd.Flags(), cfg, settings)
			if cfg.Caption, err = flags.spec(); err != nil {
				return err
			}
			cfg = config.Normalize(cfg)

			backend, err := engine.Open(cfg.Backend)
			if err != nil {
				return err
			}
			eng := engine.New(engine.Config{Backend: backend, ModelPath: cfg.ModelPath, Logger: log})
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			result, err := runBatch(ctx, caption.NewPipeline(eng, log, metrics.New()), cfg, args, cmd.ErrOrStderr())
			printSummary(cmd.OutOrStdout(), args, result)
			return err
		},
	}

	flags.register(cmd.Flags())
	f := cmd.Flags()
	f.StringVarP(&settings.OutputDir, "output", "o", settings.OutputDir, "Folder for caption files")
	f.StringVar(&settings.ModelPath, "model", settings.ModelPath, "Model folder")
	f.StringVar(&settings.Backend, "backend", settings.Backend, "Inference backend")
	f.IntVar(&settings.BatchSize, "batch-size", settings.BatchSize, "Images per generation call")
	f.IntVar(&settings.Workers, "workers", settings.Workers, "Image decode workers, 0 decodes inline")
	f.Float64Var(&settings.Temperature, "temperature", settings.Temperature, "Sampling temperature, 0 is greedy")
	f.Float64Var(&settings.TopP, "top-p", settings.TopP, "Nucleus sampling threshold")
	f.IntVar(&settings.MaxNewTokens, "max-new-tokens", settings.MaxNewTokens, "Maximum generated tokens per caption")
	return cmd
}

// applyChangedFlags copies explicitly set flags from flagged over cfg, so
// that environment values survive unless overridden on the command line.
func applyChangedFlags(fs *pflag.FlagSet, cfg, flagged domain.Settings) domain.Settings {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "output":
			cfg.OutputDir = flagged.OutputDir
		case "model":
			cfg.ModelPath = flagged.ModelPath
		case "backend":
			cfg.Backend = flagged.Backend
		case "batch-size":
			cfg.BatchSize = flagged.BatchSize
		case "workers":
			cfg.Workers = flagged.Workers
		case "temperature":
			cfg.Temperature = flagged.Temperature
		case "top-p":
			cfg.TopP = flagged.TopP
		case "max-new-tokens":
			cfg.MaxNewTokens = flagged.MaxNewTokens
		}
	})
	return cfg
}

// runBatch runs the pipeline, echoing user-facing notices to w.
func runBatch(ctx context.Context, p *caption.Pipeline, cfg domain.Settings, files []string, w io.Writer) (caption.BatchResult, error) {
	return p.Run(ctx, caption.BatchRequest{
		Paths:     files,
		OutputDir: cfg.OutputDir,
		Caption:   cfg.Caption,
		Decoding: engine.DecodingParams{
			Temperature:  cfg.Temperature,
			TopP:         cfg.TopP,
			MaxNewTokens: cfg.MaxNewTokens,
		},
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		OnNotice: func(n domain.Notice) {
			if n.Message != "" {
				fmt.Fprintln(w, n.Message)
			}
		},
	})
}

// printSummary lists every input with its caption file or failure.
func printSummary(w io.Writer, files []string, result caption.BatchResult) {
	if result.Written == nil && len(result.Pending) == 0 {
		return
	}

	pending := make(map[string]bool, len(result.Pending))
	for _, path := range result.Pending {
		pending[path] = true
	}

	data := make([][]string, 0, len(files))
	for _, path := range files {
		name := caption.FileName(path)
		status := "written"
		if pending[path] {
			name, status = "-", "pending"
		}
		data = append(data, []string{path, name, status})
	}

	renderTable(w, []string{"IMAGE", "CAPTION FILE", "STATUS"}, data)
	fmt.Fprintf(w, "\n%d of %d captioned into %s (%s)\n", len(files)-len(result.Pending), len(files), result.OutputDir, result.Status)
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
