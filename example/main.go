package main

import (
	"context"
	"fmt"
	"log"

	"paged-llm-go/pagedllm"
)

func main() {
	// A small engine over the deterministic mock backend. In production
	// the backend would wrap a real model runner.
	config := pagedllm.NewConfig(
		pagedllm.WithBlockSize(16),
		pagedllm.WithNumBlocks(256),
		pagedllm.WithMaxModelLen(1024),
		pagedllm.WithMaxNumBatchedTokens(2048),
		pagedllm.WithPrefillChunkSize(256),
	)

	engine, err := pagedllm.NewEngine(config, pagedllm.NewMockBackend(), nil)
	if err != nil {
		log.Fatalf("Engine creation failed: %v", err)
	}
	defer engine.Close()

	samplingParams := pagedllm.NewSamplingParams(
		pagedllm.WithTemperature(0.6),
		pagedllm.WithMaxTokens(32),
	)

	// Token-id prompts; a real application would tokenize text here.
	prompts := [][]int{
		{101, 7592, 2088, 102},
		{101, 2054, 2003, 1996, 3574, 1997, 2166, 102},
		{101, 4863, 8559, 9798, 102},
	}

	fmt.Println("Starting batch generation...")
	outputs, err := engine.Generate(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %v\n", i+1, prompts[i])
		fmt.Printf("Tokens: %v\n", output.TokenIDs)
		fmt.Printf("Finish reason: %s\n", output.Reason)
	}

	// The streaming interface serves interactive callers: submit, then
	// consume per-token outcomes as they arrive.
	runCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go engine.Run(runCtx)

	handle, err := engine.Submit([]int{101, 2129, 2079, 102}, samplingParams)
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}

	fmt.Println("\nStreaming:")
	for outcome := range handle.Outcomes() {
		switch outcome.Kind {
		case pagedllm.OutcomeContinuing:
			fmt.Printf("token %d ", outcome.Token)
		case pagedllm.OutcomeFinished:
			fmt.Printf("\nfinished: %s\n", outcome.Reason)
		}
	}

	if err := engine.Drain(context.Background()); err != nil {
		log.Fatalf("Drain failed: %v", err)
	}
}
