// Package main provides the cellmaps-embed command: it computes one image
// embedding per sample and writes the embedding table into OUTDIR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/logging"
	"github.com/thebtf/cellmaps-embedding/internal/pipeline"
	"github.com/thebtf/cellmaps-embedding/internal/telemetry"
	"github.com/thebtf/cellmaps-embedding/internal/version"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }
func (v *verbosity) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if b {
		*v++
	}
	return nil
}

// expandVerbose rewrites -vvv as -v -v -v.
func expandVerbose(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if len(a) > 2 && strings.Trim(a, "v") == "-" {
			for range len(a) - 1 {
				out = append(out, "-v")
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

type options struct {
	configPath string
	envFile    string
	inputDir   string
	manifest   string
	modelPath  string
	backend    string
	fake       bool
	dimensions int
	device     string
	batchSize  int
	workers    int
	ledgerDSN  string
	name       string
	project    string
	org        string
	noLogFiles bool
	verbose    verbosity
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, string, error) {
	fs := flag.NewFlagSet("cellmaps-embed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: cellmaps-embed [flags] OUTDIR\n\nComputes image embeddings for every sample in the input manifest.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.envFile, "env", ".env", "Environment file loaded before the config")
	fs.StringVar(&o.inputDir, "inputdir", "", "Directory with channel images and *_image_gene_node_attributes.tsv files")
	fs.StringVar(&o.manifest, "manifest", "", "Manifest file or directory (default: inputdir)")
	fs.StringVar(&o.modelPath, "model_path", "", "ONNX model file")
	fs.StringVar(&o.backend, "backend", "", "Inference backend: onnx or fake")
	fs.BoolVar(&o.fake, "fake_embedder", false, "Use the fake backend (no model needed)")
	fs.IntVar(&o.dimensions, "dimensions", 0, "Embedding dimensions of the fake backend")
	fs.StringVar(&o.device, "device", "", "Execution device: auto, gpu or cpu")
	fs.IntVar(&o.batchSize, "batch_size", 0, "Maximum tensors per forward pass")
	fs.IntVar(&o.workers, "workers", 0, "Preprocessing workers")
	fs.StringVar(&o.ledgerDSN, "ledger", "", "Run ledger DSN (SQLite path or postgres:// URL)")
	fs.StringVar(&o.name, "name", "", "Run name recorded in provenance")
	fs.StringVar(&o.project, "project_name", "", "Project name recorded in provenance")
	fs.StringVar(&o.org, "organization_name", "", "Organization name recorded in provenance")
	fs.BoolVar(&o.noLogFiles, "no_log_files", false, "Do not write output.log and error.log into OUTDIR")
	fs.Var(&o.verbose, "v", "Set console verbosity (-v error, -vv warn, -vvv info, -vvvv debug). Without -v the\nlogging.level from the config applies, info when unset, so progress is logged by default")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")

	if err := fs.Parse(expandVerbose(args)); err != nil {
		return nil, "", err
	}
	if o.version {
		return o, "", nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, "", errors.New("exactly one OUTDIR argument is required")
	}
	return o, fs.Arg(0), nil
}

// apply overlays command line values on the loaded config.
func (o *options) apply(cfg *config.Config, outdir string) {
	cfg.OutputDir = outdir
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.InputDir, o.inputDir)
	set(&cfg.Manifest, o.manifest)
	set(&cfg.Model.Path, o.modelPath)
	set(&cfg.Model.Backend, o.backend)
	set(&cfg.Inference.Device, o.device)
	set(&cfg.Ledger.DSN, o.ledgerDSN)
	set(&cfg.Run.Name, o.name)
	set(&cfg.Run.ProjectName, o.project)
	set(&cfg.Run.OrganizationName, o.org)
	if o.fake {
		cfg.Model.Backend = config.BackendFake
	}
	if o.dimensions > 0 {
		cfg.Model.Dimensions = o.dimensions
	}
	if o.batchSize > 0 {
		cfg.Inference.BatchSize = o.batchSize
	}
	if o.workers > 0 {
		cfg.Inference.Workers = o.workers
	}
	if o.noLogFiles {
		cfg.Logging.ToFiles = false
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, outdir, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return int(models.ExitSuccess)
		}
		fmt.Fprintln(stderr, err)
		return int(models.ExitFatal)
	}
	if opts.version {
		fmt.Fprintf(stdout, "%s %s (built %s)\n", version.Software, version.String(), version.BuildTime)
		return int(models.ExitSuccess)
	}

	// Bootstrap logger until the configured one is ready.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: stderr})

	if err := config.LoadEnvFile(opts.envFile); err != nil {
		log.Error().Err(err).Str("file", opts.envFile).Msg("Failed to load env file")
		return int(models.ExitFatal)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return int(models.ExitFatal)
	}
	opts.apply(cfg, outdir)

	level, err := logging.Level(int(opts.verbose), cfg.Logging.Level)
	if err != nil {
		log.Error().Err(err).Msg("Invalid log level")
		return int(models.ExitFatal)
	}
	logDir := ""
	if cfg.Logging.ToFiles {
		logDir = cfg.OutputDir
	}
	logger, err := logging.New(stderr, level, logDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up logging")
		return int(models.ExitFatal)
	}
	defer logger.Close()
	log.Logger = logger.Logger

	metrics, err := telemetry.Global()
	if err != nil {
		logger.Warn().Err(err).Msg("Metrics disabled")
	}

	p, err := pipeline.New(cfg, logger.Logger, pipeline.WithMetrics(metrics))
	if err != nil {
		logger.Error().Err(err).Msg("Cannot start run")
		return int(models.ExitFatal)
	}
	defer p.Close()

	logger.Info().
		Str("version", version.String()).
		Str("outdir", cfg.OutputDir).
		Str("backend", cfg.Model.Backend).
		Msg("Starting embedding run")

	summary, err := p.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Run failed")
		return int(models.ExitFatal)
	}
	for _, s := range summary.Skipped {
		logger.Warn().Str("sample", s.SampleID).Str("kind", string(s.Kind)).Msg(s.Message)
	}
	return int(summary.Status())
}
