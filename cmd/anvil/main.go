package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-anvil/internal/arch"
	"github.com/23skdu/longbow-anvil/internal/checkpoint"
	"github.com/23skdu/longbow-anvil/internal/engine"
	"github.com/23skdu/longbow-anvil/internal/logger"
)

var (
	checkpointPath = flag.String("checkpoint", "", "Path to an Arrow IPC checkpoint snapshot")
	flightAddr     = flag.String("flight", "", "Arrow Flight server to fetch the checkpoint from (instead of -checkpoint)")
	flightName     = flag.String("flight-name", "", "Checkpoint name on the Flight server")
	archName       = flag.String("arch", "", "Architecture name (defaults to the one recorded in the snapshot)")
	convention     = flag.String("convention", "hf-llama", "Upstream tensor naming convention (hf-llama, hf-gpt2)")

	prompt     = flag.String("prompt", "", "Prompt token ids, comma separated")
	numTokens  = flag.Int("n", 32, "Number of tokens to generate")
	temp       = flag.Float64("temp", 0, "Sampling temperature (0 = greedy)")
	topK       = flag.Int("top-k", 0, "Top-k filter (0 disables)")
	topP       = flag.Float64("top-p", 0, "Top-p nucleus filter (0 disables)")
	repPenalty = flag.Float64("rep-penalty", 0, "Repetition penalty (0 disables)")
	seed       = flag.Int64("seed", 0, "Sampling seed")
	stopTokens = flag.String("stop", "", "Stop token ids, comma separated")

	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	promptTokens, err := parseTokenList(*prompt)
	if err != nil {
		logger.Log.Error("bad -prompt", "error", err)
		os.Exit(1)
	}
	if len(promptTokens) == 0 {
		fmt.Fprintln(os.Stderr, "error: -prompt is required (comma separated token ids)")
		flag.Usage()
		os.Exit(1)
	}
	stops, err := parseTokenList(*stopTokens)
	if err != nil {
		logger.Log.Error("bad -stop", "error", err)
		os.Exit(1)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Error("metrics server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := loadSnapshot(ctx)
	if err != nil {
		logger.Log.Error("checkpoint load failed", "error", err)
		os.Exit(1)
	}

	name := *archName
	if name == "" {
		name = snap.Arch
	}
	registry := arch.New()
	cfg, err := registry.Lookup(name)
	if err != nil {
		logger.Log.Error("unknown architecture", "name", name, "known", registry.Names())
		os.Exit(1)
	}
	logger.Log.Info("architecture resolved",
		"name", cfg.Name(), "blocks", cfg.BlockCount, "dim", cfg.EmbedDim,
		"heads", cfg.Heads, "kv_heads", cfg.KVHeads, "vocab", cfg.VocabSize)

	rules, err := checkpoint.RulesFor(*convention)
	if err != nil {
		logger.Log.Error("checkpoint convention", "error", err)
		os.Exit(1)
	}
	weights, err := checkpoint.Normalize(snap, cfg, rules)
	if err != nil {
		logger.Log.Error("checkpoint normalize failed", "error", err)
		os.Exit(1)
	}

	capacity := len(promptTokens) + *numTokens
	if capacity > cfg.SeqLen {
		capacity = cfg.SeqLen
	}
	cache, err := engine.NewCache(1, cfg.BlockCount, capacity, cfg.KVHeads, cfg.HeadDim)
	if err != nil {
		logger.Log.Error("cache init failed", "error", err)
		os.Exit(1)
	}
	model, err := engine.NewModel(cfg, weights, cache)
	if err != nil {
		logger.Log.Error("model init failed", "error", err)
		os.Exit(1)
	}

	req := engine.Request{
		Prompt: promptTokens,
		Sampler: engine.SamplerConfig{
			Temperature:  float32(*temp),
			TopK:         *topK,
			TopP:         float32(*topP),
			RepPenalty:   float32(*repPenalty),
			Seed:         *seed,
			MaxNewTokens: *numTokens,
			StopTokens:   stops,
		},
	}

	logger.Log.Info("generating", "prompt_tokens", len(promptTokens), "max_new_tokens", *numTokens)
	start := time.Now()
	seq, err := engine.NewGenerator(model).Generate(ctx, req)
	if err != nil {
		logger.Log.Error("generation failed", "error", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	switch seq.State() {
	case engine.StateFailed:
		logger.Log.Error("sequence failed", "error", seq.Err())
		os.Exit(1)
	case engine.StateStopped:
		logger.Log.Info("sequence stopped", "tokens", len(seq.Tokens()))
	default:
		logger.Log.Info("sequence completed", "tokens", len(seq.Tokens()))
	}

	tps := float64(len(seq.Tokens())) / elapsed.Seconds()
	logger.Log.Info("generation done",
		"tokens", len(seq.Tokens()), "elapsed", elapsed, "tokens_per_sec", fmt.Sprintf("%.2f", tps))
	fmt.Println(formatTokens(seq.Tokens()))
}

// loadSnapshot reads the checkpoint from the Flight server when -flight
// is set, otherwise from the local Arrow IPC file.
func loadSnapshot(ctx context.Context) (*checkpoint.Snapshot, error) {
	if *flightAddr != "" {
		name := *flightName
		if name == "" {
			return nil, fmt.Errorf("-flight-name is required with -flight")
		}
		fc := checkpoint.NewFlightClient(*flightAddr)
		if err := fc.Connect(ctx); err != nil {
			return nil, err
		}
		defer fc.Close()
		return fc.Fetch(ctx, name)
	}

	if *checkpointPath == "" {
		return nil, fmt.Errorf("one of -checkpoint or -flight is required")
	}
	f, err := os.Open(*checkpointPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	snap, err := checkpoint.ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", *checkpointPath, err)
	}
	logger.Log.Info("checkpoint loaded", "path", *checkpointPath, "tensors", len(snap.Tensors))
	return snap, nil
}

func parseTokenList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func formatTokens(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, " ")
}
