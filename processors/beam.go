package processors

import (
	"fmt"
	"math"
	"sort"
)

// StepScorer yields next-token logits over the vocabulary, conditioned on
// the output tokens produced so far. Implementations close over the
// encoder hidden states for one video.
type StepScorer interface {
	NextLogits(tokens []int64) ([]float32, error)
}

// Hypothesis is one candidate output sequence tracked during beam search.
// Hypotheses are value records: each step produces a new generation rather
// than mutating the old one.
type Hypothesis struct {
	Tokens   []int64
	Score    float64
	Finished bool
}

// BeamResult is the single best token sequence found by a search.
type BeamResult struct {
	Tokens []int64
	Score  float64
	// Complete is false when no hypothesis emitted the end token within
	// the step limit and the best active sequence was returned instead.
	Complete bool
}

// BeamSearch expands candidate sequences keeping the top Width hypotheses
// by cumulative log-probability, for at most MaxSteps extension steps.
type BeamSearch struct {
	Width    int
	MaxSteps int
	StartID  int64
	EndID    int64
}

// Run performs the search. It is deterministic for a fixed scorer: ties in
// score resolve to the lexicographically smaller token sequence.
func (b *BeamSearch) Run(scorer StepScorer) (*BeamResult, error) {
	if b.Width < 1 || b.MaxSteps < 1 {
		return nil, fmt.Errorf("invalid beam parameters: width=%d steps=%d", b.Width, b.MaxSteps)
	}

	beams := []Hypothesis{{Tokens: []int64{b.StartID}}}
	for step := 0; step < b.MaxSteps; step++ {
		candidates := make([]Hypothesis, 0, b.Width*(b.Width+1))
		active := 0
		for _, h := range beams {
			if h.Finished {
				candidates = append(candidates, h)
				continue
			}
			active++
			logits, err := scorer.NextLogits(h.Tokens)
			if err != nil {
				return nil, fmt.Errorf("beam step %d: %w", step, err)
			}
			for _, ext := range topExtensions(logSoftmax(logits), b.Width) {
				tokens := make([]int64, len(h.Tokens)+1)
				copy(tokens, h.Tokens)
				tokens[len(h.Tokens)] = ext.id
				candidates = append(candidates, Hypothesis{
					Tokens:   tokens,
					Score:    h.Score + ext.logProb,
					Finished: ext.id == b.EndID,
				})
			}
		}
		if active == 0 {
			break
		}
		sortHypotheses(candidates)
		if len(candidates) > b.Width {
			candidates = candidates[:b.Width]
		}
		beams = candidates
	}

	var best *Hypothesis
	for i := range beams {
		if beams[i].Finished && (best == nil || beams[i].Score > best.Score) {
			best = &beams[i]
		}
	}
	complete := best != nil
	if best == nil {
		for i := range beams {
			if best == nil || beams[i].Score > best.Score {
				best = &beams[i]
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("beam search produced no hypotheses")
	}
	return &BeamResult{Tokens: best.Tokens, Score: best.Score, Complete: complete}, nil
}

type extension struct {
	id      int64
	logProb float64
}

// topExtensions selects the k highest log-probabilities; equal scores
// prefer the lower token id.
func topExtensions(logProbs []float64, k int) []extension {
	if k > len(logProbs) {
		k = len(logProbs)
	}
	best := make([]extension, 0, k)
	for id, lp := range logProbs {
		pos := len(best)
		for pos > 0 && best[pos-1].logProb < lp {
			pos--
		}
		if pos >= k {
			continue
		}
		best = append(best, extension{})
		copy(best[pos+1:], best[pos:])
		best[pos] = extension{id: int64(id), logProb: lp}
		if len(best) > k {
			best = best[:k]
		}
	}
	return best
}

func sortHypotheses(hs []Hypothesis) {
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].Score != hs[j].Score {
			return hs[i].Score > hs[j].Score
		}
		return lessTokens(hs[i].Tokens, hs[j].Tokens)
	})
}

func lessTokens(a, b []int64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// logSoftmax converts raw logits to log-probabilities.
func logSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := float64(logits[0])
	for _, x := range logits[1:] {
		if float64(x) > maxv {
			maxv = float64(x)
		}
	}
	var sum float64
	for i, x := range logits {
		out[i] = float64(x) - maxv
		sum += math.Exp(out[i])
	}
	logSum := math.Log(sum)
	for i := range out {
		out[i] -= logSum
	}
	return out
}
