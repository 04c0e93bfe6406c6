package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/fold"
	"github.com/23skdu/longbow-sibyl/internal/logger"
	"github.com/23skdu/longbow-sibyl/internal/monitoring"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// mon stays nil when --metrics-addr is empty; its methods tolerate that.
var mon *monitoring.Server

var (
	configPath   = flag.String("config", "", "Optional YAML run config; explicit flags override it")
	preset       = flag.String("preset", "model_1", "Model preset name")
	paramsPath   = flag.String("params", "", "Path to model parameters (.npz or .safetensors)")
	featuresPath = flag.String("features", "", "Path to raw features (Arrow IPC file)")
	featuresAddr = flag.String("features-addr", "", "Arrow Flight feature server address")
	target       = flag.String("target", "", "Target name for the feature server ticket")
	cachePath    = flag.String("cache", "", "Preprocessed feature cache path (Arrow IPC)")
	outPath      = flag.String("out", "", "Run summary JSON path (default stdout)")
	seed         = flag.Int64("seed", 0, "Seed for extra-MSA row sampling")
	maxIter      = flag.Int("max-iter", -1, "Cap recycling iterations below the preset value")
	metricsAddr  = flag.String("metrics-addr", ":9090", "Address to serve metrics and status, empty to disable")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat    = flag.String("log-format", "console", "Log format (console or json)")
)

// runConfig mirrors the flags for the optional YAML run file.
type runConfig struct {
	Preset       string `yaml:"preset"`
	Params       string `yaml:"params"`
	Features     string `yaml:"features"`
	FeaturesAddr string `yaml:"features_addr"`
	Target       string `yaml:"target"`
	Cache        string `yaml:"cache"`
	Out          string `yaml:"out"`
	Seed         int64  `yaml:"seed"`
	MaxIter      *int   `yaml:"max_iter"`
	MetricsAddr  string `yaml:"metrics_addr"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// runSummary is the JSON document emitted after a prediction.
type runSummary struct {
	Model           string    `json:"model"`
	Target          string    `json:"target,omitempty"`
	Residues        int       `json:"residues"`
	MSADepth        int       `json:"msa_depth"`
	DurationMS      int64     `json:"duration_ms"`
	Heads           []string  `json:"heads"`
	MeanPLDDT       float32   `json:"mean_plddt,omitempty"`
	PLDDT           []float32 `json:"plddt,omitempty"`
	MaxAlignedError float32   `json:"max_aligned_error,omitempty"`
}

func main() {
	flag.Parse()
	if err := applyRunConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(*logLevel, *logFormat)

	if *paramsPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --params flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if *featuresPath == "" && *featuresAddr == "" {
		fmt.Fprintln(os.Stderr, "Error: one of --features or --features-addr is required")
		flag.Usage()
		os.Exit(1)
	}

	if *metricsAddr != "" {
		mon = monitoring.NewServer(*preset)
		go func() {
			if err := mon.Start(*metricsAddr); err != nil && err != http.ErrServerClosed {
				logger.Log.Error("monitoring server stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	type result struct {
		summary *runSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := run()
		done <- result{summary, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Log.Error("prediction failed", "error", r.err)
			os.Exit(1)
		}
		if err := emitSummary(r.summary); err != nil {
			logger.Log.Error("summary emission failed", "error", err)
			os.Exit(1)
		}
		stopMonitoring()
	case <-sigChan:
		logger.Log.Warn("interrupt received, shutting down")
		stopMonitoring()
		os.Exit(130)
	}
}

func stopMonitoring() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mon.Shutdown(ctx); err != nil {
		logger.Log.Warn("monitoring shutdown", "error", err)
	}
}

func run() (*runSummary, error) {
	cfg, err := config.Preset(*preset)
	if err != nil {
		return nil, err
	}
	predictor, err := fold.NewPredictor(&cfg, nil)
	if err != nil {
		return nil, err
	}
	mon.SetPhase("loading parameters")
	if err := predictor.LoadParams(*paramsPath); err != nil {
		return nil, err
	}

	mon.SetPhase("fetching features")
	raw, err := fetchRaw()
	if err != nil {
		return nil, err
	}

	mon.SetPhase("preprocessing")
	var batch features.Batch
	if *cachePath != "" {
		batch, err = predictor.PreprocessCached(*cachePath, raw, *seed)
	} else {
		batch, err = predictor.Preprocess(raw, *seed)
	}
	if err != nil {
		return nil, err
	}
	if *maxIter >= 0 {
		batch["num_iter_recycling"] = tensor.From([]float32{float32(*maxIter)}, 1, 1)
	}

	mon.SetPhase("predicting")
	start := time.Now()
	pred, err := predictor.Predict(batch)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	heads := make([]string, 0, len(pred))
	for name := range pred {
		heads = append(heads, name)
	}
	sort.Strings(heads)

	summary := &runSummary{
		Model:      cfg.Name,
		Target:     *target,
		Residues:   int(batch["seq_length"].Data[0]),
		MSADepth:   batch["msa_feat"].Shape[2],
		DurationMS: elapsed.Milliseconds(),
		Heads:      heads,
	}
	conf := fold.Postprocess(pred)
	if conf.PLDDT != nil {
		summary.MeanPLDDT = conf.MeanPLDDT
		summary.PLDDT = conf.PLDDT.Data
	}
	if conf.AlignedError != nil {
		summary.MaxAlignedError = conf.MaxAlignedError
	}
	mon.RecordRun(monitoring.RunStatus{
		Target:     summary.Target,
		Residues:   summary.Residues,
		MSADepth:   summary.MSADepth,
		DurationMS: summary.DurationMS,
		MeanPLDDT:  summary.MeanPLDDT,
	})
	return summary, nil
}

// fetchRaw loads raw features from the Arrow file or the Flight server.
func fetchRaw() (map[string]*tensor.Tensor, error) {
	if *featuresPath != "" {
		return features.LoadCache(*featuresPath)
	}
	if *target == "" {
		return nil, fmt.Errorf("--target is required with --features-addr")
	}
	src := features.NewFlightSource(*featuresAddr)
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	defer src.Close()
	return src.Fetch(ctx, *target)
}

// applyRunConfig loads the YAML run file, then re-applies any explicitly
// set flags so the command line wins.
func applyRunConfig(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read run config: %w", err)
	}
	var rc runConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return fmt.Errorf("failed to parse run config %s: %w", path, err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	assign := func(name, value string) {
		if !set[name] && value != "" {
			flag.Set(name, value)
		}
	}
	assign("preset", rc.Preset)
	assign("params", rc.Params)
	assign("features", rc.Features)
	assign("features-addr", rc.FeaturesAddr)
	assign("target", rc.Target)
	assign("cache", rc.Cache)
	assign("out", rc.Out)
	assign("metrics-addr", rc.MetricsAddr)
	assign("log-level", rc.LogLevel)
	assign("log-format", rc.LogFormat)
	if !set["seed"] && rc.Seed != 0 {
		flag.Set("seed", fmt.Sprint(rc.Seed))
	}
	if !set["max-iter"] && rc.MaxIter != nil {
		flag.Set("max-iter", fmt.Sprint(*rc.MaxIter))
	}
	return nil
}

func emitSummary(summary *runSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if *outPath == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		return err
	}
	logger.Log.Info("run summary written", "path", *outPath)
	return nil
}
