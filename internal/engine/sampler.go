package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-anvil/internal/tensor"
)

// SamplerConfig holds the per-request decoding knobs. Temperature 0
// selects greedy decoding and makes the other filters irrelevant.
type SamplerConfig struct {
	Temperature float32
	TopK        int     // <=0 disables
	TopP        float32 // <=0 or >=1 disables
	RepPenalty  float32 // <=1 disables
	Seed        int64

	MaxNewTokens int
	StopTokens   []int
}

func (c *SamplerConfig) Validate() error {
	if c.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be >= 0)", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in [0, 1])", c.TopP)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be positive)", c.MaxNewTokens)
	}
	return nil
}

// Sampler turns logits into token choices. Each sampler owns a seeded
// generator, so a fixed seed replays the same choices for the same
// logits sequence.
type Sampler struct {
	cfg SamplerConfig
	rng *rand.Rand
}

func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Sample picks the next token. Filters apply in a fixed order:
// repetition penalty, temperature, top-k, top-p, then a multinomial
// draw. history is the tokens already in the sequence (prompt plus
// generated) and is only read by the repetition penalty.
func (s *Sampler) Sample(logits []float32, history []int) int {
	scratch := make([]float32, len(logits))
	copy(scratch, logits)

	applyRepPenalty(scratch, history, s.cfg.RepPenalty)

	if s.cfg.Temperature == 0 {
		return argmax(scratch)
	}
	applyTemperature(scratch, s.cfg.Temperature)
	applyTopK(scratch, s.cfg.TopK)
	applyTopP(scratch, s.cfg.TopP)

	tensor.Softmax(scratch)
	return sampleFromDist(scratch, s.rng)
}

// IsStop reports whether a token terminates generation.
func (s *Sampler) IsStop(token int) bool {
	for _, t := range s.cfg.StopTokens {
		if t == token {
			return true
		}
	}
	return false
}

// applyRepPenalty divides positive logits of already-seen tokens by the
// penalty and multiplies negative ones, pushing both toward unlikely.
func applyRepPenalty(logits []float32, history []int, penalty float32) {
	if penalty <= 1 {
		return
	}
	seen := make(map[int]struct{}, len(history))
	for _, t := range history {
		seen[t] = struct{}{}
	}
	for t := range seen {
		if t < 0 || t >= len(logits) {
			continue
		}
		if logits[t] > 0 {
			logits[t] /= penalty
		} else {
			logits[t] *= penalty
		}
	}
}

func applyTemperature(logits []float32, temp float32) {
	for i := range logits {
		logits[i] /= temp
	}
}

// applyTopK masks everything below the k-th largest logit.
func applyTopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	sorted := make([]float32, len(logits))
	copy(sorted, logits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	threshold := sorted[k-1]
	for i, l := range logits {
		if l < threshold {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// applyTopP masks the tail of the distribution outside the smallest
// probability-ordered set whose mass reaches p. The most probable token
// always survives.
func applyTopP(logits []float32, p float32) {
	if p <= 0 || p >= 1 {
		return
	}
	probs := make([]float32, len(logits))
	copy(probs, logits)
	tensor.Softmax(probs)

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	var cum float32
	cut := len(order)
	for rank, idx := range order {
		cum += probs[idx]
		if cum >= p {
			cut = rank + 1
			break
		}
	}
	for _, idx := range order[cut:] {
		logits[idx] = float32(math.Inf(-1))
	}
}

func argmax(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}

func sampleFromDist(probs []float32, r *rand.Rand) int {
	threshold := r.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if cum >= threshold {
			return i
		}
	}
	return len(probs) - 1
}
