package pagedllm

import (
	"fmt"
	"time"
)

// SamplingParams holds the sampling parameters and stop conditions for a
// single generation request.
type SamplingParams struct {
	Temperature  float64
	TopP         float64
	MaxTokens    int
	StopTokenIDs []int
	StopStrings  []string
	IgnoreEOS    bool
	Timeout      time.Duration // 0 means no wall-clock budget
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.Temperature <= 1e-10 {
		return fmt.Errorf("greedy sampling is not permitted (temperature too low)")
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", sp.MaxTokens)
	}
	return nil
}

// isStopToken reports whether tokenID matches one of the configured stop
// token ids.
func (sp *SamplingParams) isStopToken(tokenID int) bool {
	for _, id := range sp.StopTokenIDs {
		if id == tokenID {
			return true
		}
	}
	return false
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopP sets the nucleus sampling threshold
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithStopTokenIDs sets token ids that terminate generation when sampled
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = ids
	}
}

// WithStopStrings sets strings that terminate generation when they appear
// in the decoded completion. Requires a TokenDecoder on the engine;
// ignored otherwise.
func WithStopStrings(strs ...string) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopStrings = strs
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithTimeout sets a wall-clock generation budget for the request.
// Expiry is checked at the top of each scheduling tick.
func WithTimeout(d time.Duration) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Timeout = d
	}
}
