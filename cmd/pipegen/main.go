package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/23skdu/longbow-pipegen/internal/console"
	"github.com/23skdu/longbow-pipegen/internal/dist"
	"github.com/23skdu/longbow-pipegen/internal/engine"
	"github.com/23skdu/longbow-pipegen/internal/hub"
	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/monitoring"
	"github.com/23skdu/longbow-pipegen/internal/shard"
	"github.com/23skdu/longbow-pipegen/internal/tokenizer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	modelRepo   string
	prompt      string
	maxTokens   int
	temperature float64
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func init() {
	const (
		defaultModel  = "mlx-community/DeepSeek-R1-3bit"
		defaultPrompt = "Write a quicksort in C++."
	)
	flag.StringVar(&modelRepo, "model", defaultModel, "HF repo or path to local model")
	flag.StringVar(&prompt, "prompt", defaultPrompt, "Message to be processed by the model ('-' reads from stdin)")
	flag.StringVar(&prompt, "p", defaultPrompt, "Shorthand for -prompt")
	flag.IntVar(&maxTokens, "max-tokens", 256, "Maximum number of tokens to generate")
	flag.IntVar(&maxTokens, "m", 256, "Shorthand for -max-tokens")
	flag.Float64Var(&temperature, "temp", 0, "Sampling temperature (0 = greedy)")
}

func main() {
	// Sharded checkpoints open many small weight files near-simultaneously;
	// default FD limits are too low for 8-bit models.
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = 4096
		if rLimit.Max < 4096 {
			rLimit.Max = 4096
		}
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}

	flag.Parse()
	logger.Setup(*logLevel, "console")

	if prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Log.Fatal("read prompt from stdin", "err", err)
		}
		prompt = strings.TrimRight(string(data), "\n")
	}

	ctx := context.Background()

	group, err := dist.Init(ctx)
	if err != nil {
		logger.Log.Fatal("distributed group init", "err", err)
	}
	defer group.Close()
	logger.Log = logger.Log.WithRank(group.Rank())

	// Metrics and liveness per rank; the launcher can scrape each host.
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.Handle("/healthz", monitoring.New(group.Rank(), group.Size(), modelRepo).Handler())
		logger.Log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Log.Info("loading model", "repo", modelRepo, "rank", group.Rank(), "size", group.Size())

	client := hub.NewClient()
	m, tok, err := shard.Load(ctx, client, modelRepo, group)
	if err != nil {
		logger.Log.Fatal("shard and load", "err", err)
	}

	eng, err := engine.New(m, tok, group, engine.NewSampler(engine.SamplerConfig{
		Temperature: float32(temperature),
	}))
	if err != nil {
		logger.Log.Fatal("engine init", "err", err)
	}

	messages := []tokenizer.Message{{Role: "user", Content: prompt}}
	formatted := tok.ApplyChatTemplate(messages, true)
	promptTokens := tok.Encode(formatted)

	rprint := console.New(os.Stdout, group.Rank() == 0)

	var last engine.Response
	for response := range engine.StreamGenerate(ctx, eng, tok, promptTokens, maxTokens) {
		if response.Err != nil {
			logger.Log.Fatal("generation", "err", response.Err)
		}
		rprint.Print(response.Text)
		last = response
	}

	rprint.Println()
	rprint.Println(strings.Repeat("=", 10))
	rprint.Printf("Prompt: %d tokens, %.3f tokens-per-sec\n", last.PromptTokens, last.PromptTPS)
	rprint.Printf("Generation: %d tokens, %.3f tokens-per-sec\n", last.GenerationTokens, last.GenerationTPS)
	rprint.Printf("Peak memory: %.3f GB\n", last.PeakMemory)
}
