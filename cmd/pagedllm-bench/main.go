// pagedllm-bench drives a synthetic continuous-batching workload against
// the deterministic mock backend. It exists to exercise and measure the
// scheduling core (admission, chunked prefill, preemption, cancellation,
// drain) without any model weights.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paged-llm-go/pagedllm"
)

var (
	configPath     string
	logLevel       string
	numPrompts     int
	promptLenMin   int
	promptLenMax   int
	maxTokens      int
	blockSize      int
	numBlocks      int
	numSwapBlocks  int
	preemption     string
	chunkSize      int
	batchedTokens  int
	maxModelLen    int
	stepDelay      time.Duration
	cancelFraction float64
	seed           int64
	statsJSON      bool
)

var rootCmd = &cobra.Command{
	Use:   "pagedllm-bench",
	Short: "Synthetic workload driver for the paged KV-cache engine",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML engine config; flags below override nothing when set")
	flags.StringVar(&logLevel, "log-level", "warn", "logrus level (debug, info, warn, error)")
	flags.IntVar(&numPrompts, "num-prompts", 256, "number of synthetic requests")
	flags.IntVar(&promptLenMin, "prompt-len-min", 32, "minimum prompt length in tokens")
	flags.IntVar(&promptLenMax, "prompt-len-max", 512, "maximum prompt length in tokens")
	flags.IntVar(&maxTokens, "max-tokens", 128, "completion budget per request")
	flags.IntVar(&blockSize, "block-size", 16, "KV cache block size in tokens")
	flags.IntVar(&numBlocks, "num-blocks", 1024, "device pool size in blocks")
	flags.IntVar(&numSwapBlocks, "num-swap-blocks", 0, "swap pool size in blocks (0 disables)")
	flags.StringVar(&preemption, "preemption", "recompute", "preemption mode: recompute or swap")
	flags.IntVar(&chunkSize, "prefill-chunk-size", 512, "prefill chunk size (0 disables chunking)")
	flags.IntVar(&batchedTokens, "max-num-batched-tokens", 16384, "per-step token budget")
	flags.IntVar(&maxModelLen, "max-model-len", 4096, "maximum sequence length")
	flags.DurationVar(&stepDelay, "step-delay", 0, "artificial backend latency per step")
	flags.Float64Var(&cancelFraction, "cancel-fraction", 0, "fraction of requests cancelled mid-flight")
	flags.Int64Var(&seed, "seed", 42, "workload generation seed")
	flags.BoolVar(&statsJSON, "stats-json", false, "emit the final report as JSON")
}

type report struct {
	Prompts        int            `json:"prompts"`
	Completed      int            `json:"completed"`
	Cancelled      int            `json:"cancelled"`
	Failed         int            `json:"failed"`
	TokensOut      int            `json:"tokens_out"`
	Elapsed        float64        `json:"elapsed_seconds"`
	TokensPerSec   float64        `json:"tokens_per_second"`
	ReasonCounts   map[string]int `json:"finish_reasons"`
	FinalOccupancy pagedllm.Stats `json:"final_occupancy"`
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)

	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	backend := pagedllm.NewMockBackend()
	backend.StepDelay = stepDelay

	engine, err := pagedllm.NewEngine(cfg, backend, nil)
	if err != nil {
		return err
	}

	runCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go engine.Run(runCtx)

	rng := rand.New(rand.NewSource(seed))
	prompts := make([][]int, numPrompts)
	for i := range prompts {
		n := promptLenMin
		if promptLenMax > promptLenMin {
			n += rng.Intn(promptLenMax - promptLenMin)
		}
		prompt := make([]int, n)
		for j := range prompt {
			prompt[j] = rng.Intn(backend.Vocab)
		}
		prompts[i] = prompt
	}

	logrus.Infof("submitting %d prompts (%d-%d tokens, %d completion budget) against %d blocks of %d",
		numPrompts, promptLenMin, promptLenMax, maxTokens, cfg.NumBlocks, cfg.BlockSize)

	start := time.Now()
	var wg sync.WaitGroup
	outputs := make([]*pagedllm.Output, numPrompts)

	for i, prompt := range prompts {
		params := pagedllm.NewSamplingParams(pagedllm.WithMaxTokens(maxTokens))

		var handle *pagedllm.SequenceHandle
		for {
			handle, err = engine.Submit(prompt, params)
			if err == pagedllm.ErrQueueFull {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				return fmt.Errorf("submitting prompt %d: %w", i, err)
			}
			break
		}

		if cancelFraction > 0 && rng.Float64() < cancelFraction {
			go func(h *pagedllm.SequenceHandle) {
				time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
				h.Cancel()
			}(handle)
		}

		wg.Add(1)
		go func(i int, h *pagedllm.SequenceHandle) {
			defer wg.Done()
			out, err := h.Collect(context.Background())
			if err != nil {
				out = &pagedllm.Output{Err: err}
			}
			outputs[i] = out
		}(i, handle)
	}

	wg.Wait()
	if err := engine.Drain(context.Background()); err != nil {
		return fmt.Errorf("draining engine: %w", err)
	}
	elapsed := time.Since(start)

	rep := report{
		Prompts:        numPrompts,
		Elapsed:        elapsed.Seconds(),
		ReasonCounts:   make(map[string]int),
		FinalOccupancy: engine.Stats(),
	}
	for _, out := range outputs {
		if out == nil {
			continue
		}
		rep.TokensOut += len(out.TokenIDs)
		rep.ReasonCounts[string(out.Reason)]++
		switch {
		case out.Err != nil || out.Reason == pagedllm.ReasonError:
			rep.Failed++
		case out.Reason == pagedllm.ReasonCancelled || out.Reason == pagedllm.ReasonTimeout:
			rep.Cancelled++
		default:
			rep.Completed++
		}
	}
	if elapsed > 0 {
		rep.TokensPerSec = float64(rep.TokensOut) / elapsed.Seconds()
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Printf("prompts:     %d\n", rep.Prompts)
	fmt.Printf("completed:   %d\n", rep.Completed)
	fmt.Printf("cancelled:   %d\n", rep.Cancelled)
	fmt.Printf("failed:      %d\n", rep.Failed)
	fmt.Printf("tokens out:  %d\n", rep.TokensOut)
	fmt.Printf("elapsed:     %.3fs\n", rep.Elapsed)
	fmt.Printf("throughput:  %.0f tok/s\n", rep.TokensPerSec)
	fmt.Printf("free blocks: %d/%d\n", rep.FinalOccupancy.FreeBlocks, rep.FinalOccupancy.TotalBlocks)
	return nil
}

func buildConfig() (*pagedllm.Config, error) {
	if configPath != "" {
		return pagedllm.LoadConfig(configPath)
	}

	mode := pagedllm.PreemptionMode(preemption)
	cfg := &pagedllm.Config{
		MaxNumBatchedTokens: batchedTokens,
		MaxNumSeqs:          512,
		MaxModelLen:         maxModelLen,
		EOS:                 -1,
		BlockSize:           blockSize,
		NumBlocks:           numBlocks,
		NumSwapBlocks:       numSwapBlocks,
		Preemption:          mode,
		SubmitQueueSize:     256,
		PrefillChunkSize:    chunkSize,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
