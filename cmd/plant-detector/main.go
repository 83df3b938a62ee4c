package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	flag "github.com/spf13/pflag"

	"plant-detector/internal/config"
	"plant-detector/internal/pipeline"
	"plant-detector/internal/version"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	output := flag.String("output", "", "Override the output .tflite path")
	samples := flag.Int("samples", 0, "Number of synthetic training examples")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	seed := flag.Int64("seed", 0, "PRNG seed (0 picks a time based seed)")
	trainRoot := flag.String("train-root", "", "Train on WebDataset shards under this directory")
	lossPlot := flag.String("loss-plot", "", "Write a loss curve image to this path")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *showVersion {
		log.SetFlags(0)
		log.Print(version.String())
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		OutputPath: *output,
		Samples:    *samples,
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		Seed:       *seed,
		LogEvery:   *logEvery,
		TrainRoot:  *trainRoot,
		LossPlot:   *lossPlot,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("cpu=%q cores=%d avx2=%t fma3=%t",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.FMA3),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := pipeline.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("export failed: %v", err)
	}
}
