package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/zerfoo/ztorch/internal/config"
	"github.com/zerfoo/ztorch/internal/logging"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/converter"
	"github.com/zerfoo/ztorch/pkg/downloader"
	"github.com/zerfoo/ztorch/pkg/inspector"
	"github.com/zerfoo/ztorch/pkg/registry"
	"github.com/zerfoo/ztorch/pkg/weights"
	"go.uber.org/zap"
)

// app holds state shared by all subcommands of one invocation.
type app struct {
	configPath string
	logLevel   string
	logFile    string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ztorch",
		Short:         "Convert traced PyTorch graphs to ZMF layer models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			if a.logFile != "" {
				cfg.Log.File = a.logFile
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "ztorch.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Write JSON logs to this file instead of stderr")

	root.AddCommand(a.convertCmd(), a.inspectCmd(), a.downloadCmd(), a.opsCmd())
	return root
}

func (a *app) convertCmd() *cobra.Command {
	var (
		weightsPath string
		outputFile  string
		naming      string
		seed        uint64
	)
	cmd := &cobra.Command{
		Use:   "convert <graph.json>",
		Short: "Convert a graph export and its weights to a ZMF model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputFile := args[0]
			if cmd.Flags().Changed("naming") {
				a.cfg.Naming = naming
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("seed") {
				a.cfg.Seed = seed
			}
			if outputFile == "" {
				outputFile = strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile)) + ".zmf"
			}

			g, err := torch.LoadGraph(inputFile)
			if err != nil {
				return err
			}

			var store weights.Store = weights.Map{}
			if weightsPath != "" {
				st, err := weights.OpenSafeTensors(weightsPath)
				if err != nil {
					return err
				}
				defer func() { _ = st.Close() }()
				store = st
			}

			opts := []converter.Option{
				converter.WithNaming(a.cfg.NamingMode()),
				converter.WithLogger(a.logger),
			}
			if a.cfg.Seed != 0 {
				opts = append(opts, converter.WithSeed(a.cfg.Seed))
			}
			res, err := converter.Convert(cmd.Context(), g, store, opts...)
			if err != nil {
				return err
			}

			zmfModel, err := converter.ToZMF(res.Model)
			if err != nil {
				return err
			}
			if a.cfg.Producer != "" {
				zmfModel.Metadata.ProducerName = a.cfg.Producer
			}
			if err := converter.WriteZMF(zmfModel, outputFile); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Successfully converted and saved model to: %s\n", outputFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&weightsPath, "weights", "w", "", "Path to the safetensors weights file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Path for the converted ZMF file (optional)")
	cmd.Flags().StringVar(&naming, "naming", "unique", "Layer naming mode: unique, short or keep; any other value means unique")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for generated layer names (0 is random)")
	return cmd
}

func (a *app) inspectCmd() *cobra.Command {
	var fileType string
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a summary of a graph export or a ZMF model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(fileType) {
			case "":
				return inspector.InspectFile(args[0])
			case "graph":
				return inspector.InspectGraph(args[0])
			case "zmf":
				return inspector.InspectZMF(args[0])
			default:
				return errors.Newf("unsupported file type %q, must be 'graph' or 'zmf'", fileType)
			}
		},
	}
	cmd.Flags().StringVar(&fileType, "type", "", "Type of file to inspect: 'graph' or 'zmf' (inferred from the extension when empty)")
	return cmd
}

func (a *app) downloadCmd() *cobra.Command {
	var (
		modelID     string
		outputPath  string
		apiKey      string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a graph export and its weights from HuggingFace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = a.cfg.Download.APIKey
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = a.cfg.Download.Concurrency
			}
			source := downloader.NewHuggingFaceSource(apiKey,
				downloader.WithConcurrency(concurrency),
				downloader.WithLogger(a.logger))
			d := downloader.NewDownloader(source)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Downloading model '%s' to '%s'...\n", modelID, outputPath)
			result, err := d.Download(cmd.Context(), modelID, outputPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Successfully downloaded graph to: %s\n", result.GraphPath)
			if len(result.WeightPaths) > 0 {
				fmt.Fprintln(out, "Downloaded weight files:")
				for _, p := range result.WeightPaths {
					fmt.Fprintf(out, "  - %s\n", p)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "HuggingFace model ID (e.g., 'org/model')")
	cmd.Flags().StringVar(&outputPath, "output", ".", "Output directory for downloaded files")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Optional HuggingFace API key (or set HF_API_KEY env)")
	cmd.Flags().IntVar(&concurrency, "concurrency", downloader.DefaultConcurrency, "Maximum parallel file downloads")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func (a *app) opsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the supported op kinds",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, kind := range converter.SupportedKinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Naming modes: %s, %s, %s\n",
				registry.NamingUnique, registry.NamingShort, registry.NamingKeep)
		},
	}
}
