package engine

import (
	"context"
	"time"

	"github.com/23skdu/longbow-pipegen/internal/metrics"
)

// Response is one increment of a streaming generation: the text fragment
// for the newest token plus cumulative statistics. The final record carries
// the figures the summary block is printed from.
type Response struct {
	Text  string
	Token int

	PromptTokens     int
	PromptTPS        float64
	GenerationTokens int
	GenerationTPS    float64
	// high-water heap mark in gigabytes
	PeakMemory float64

	Err error
}

// Stepper advances a model by one position. Engine implements it over the
// pipelined forward; tests substitute scripted ones.
type Stepper interface {
	Step(ctx context.Context, token, pos int) (int, error)
	IsEOS(id int) bool
}

// Detokenizer turns token ids back into text.
type Detokenizer interface {
	Decode(ids []int) string
}

// StreamGenerate feeds the prompt through the stepper and then streams one
// Response per generated token until EOS or maxTokens. The channel closes
// when generation ends; an error is delivered as the last record. Consumers
// must drain the sequence to drive the underlying pipeline forward.
func StreamGenerate(ctx context.Context, s Stepper, detok Detokenizer, prompt []int, maxTokens int) <-chan Response {
	out := make(chan Response)

	go func() {
		defer close(out)

		if len(prompt) == 0 {
			return
		}

		promptStart := time.Now()
		var next int
		for i, tok := range prompt {
			var err error
			next, err = s.Step(ctx, tok, i)
			if err != nil {
				out <- Response{Err: err}
				return
			}
		}
		promptDur := time.Since(promptStart)
		metrics.PromptTokensTotal.Add(float64(len(prompt)))

		stats := Response{
			PromptTokens: len(prompt),
			PromptTPS:    rate(len(prompt), promptDur),
		}

		genStart := time.Now()
		pos := len(prompt)
		for n := 0; n < maxTokens; n++ {
			tok := next
			if s.IsEOS(tok) {
				return
			}

			metrics.GenerationTokensTotal.Inc()
			stats.Token = tok
			stats.Text = detok.Decode([]int{tok})
			stats.GenerationTokens = n + 1
			stats.GenerationTPS = rate(n+1, time.Since(genStart))
			stats.PeakMemory = float64(metrics.UpdatePeakHeap()) / 1e9

			select {
			case out <- stats:
			case <-ctx.Done():
				return
			}

			if n == maxTokens-1 {
				return
			}

			var err error
			next, err = s.Step(ctx, tok, pos)
			if err != nil {
				out <- Response{Err: err}
				return
			}
			pos++
		}
	}()

	return out
}

func rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
