// Package complexity scores a task description along seven dimensions and
// maps the result to a model tier. The scorer is a pure function: the caller
// (typically a conductor deciding which model a companion should run) supplies
// integer dimension scores and receives a tier, the underlying weighted score
// and a confidence estimate.
//
// Dimensions are scored 0-3: 0 trivial, 1 routine, 2 demanding, 3 extreme.
// Tiers map to model classes: 0 smallest/cheapest through 3 frontier.
package complexity

import (
	"errors"
	"fmt"
	"math"
)

// Dimension names in canonical order.
const (
	DimReasoning    = "reasoning"
	DimContext      = "context"
	DimAmbiguity    = "ambiguity"
	DimCoordination = "coordination"
	DimStakes       = "stakes"
	DimPrecision    = "precision"
	DimNovelty      = "novelty"
)

// MaxDimensionScore bounds every dimension score.
const MaxDimensionScore = 3

// dimOrder fixes the accumulation order so scores are bit-identical across
// runs.
var dimOrder = []string{
	DimReasoning, DimContext, DimAmbiguity, DimCoordination,
	DimStakes, DimPrecision, DimNovelty,
}

// Domain maturity buckets. Maturity reflects how well-trodden the task domain
// is; scoring a novel domain carries less confidence.
const (
	MaturityEstablished = "established"
	MaturityEmerging    = "emerging"
	MaturityNovel       = "novel"
)

// ErrInvalidScore flags a dimension score outside 0-3 or an unknown maturity.
var ErrInvalidScore = errors.New("complexity: invalid score")

// Dimension weights. Reasoning dominates; novelty matters least because it is
// already captured by the confidence estimate.
var weights = map[string]float64{
	DimReasoning:    0.22,
	DimContext:      0.14,
	DimAmbiguity:    0.16,
	DimCoordination: 0.12,
	DimStakes:       0.16,
	DimPrecision:    0.12,
	DimNovelty:      0.08,
}

// interaction is one pairwise multiplier applied when both dimensions score
// at or above the elevated threshold. Co-elevated dimensions compound: a task
// that is both ambiguous and reasoning-heavy is harder than either alone.
type interaction struct {
	a, b   string
	factor float64
}

const elevated = 2

var interactions = []interaction{
	{DimReasoning, DimAmbiguity, 1.15},
	{DimReasoning, DimNovelty, 1.12},
	{DimCoordination, DimStakes, 1.10},
	{DimPrecision, DimStakes, 1.08},
	{DimContext, DimCoordination, 1.06},
}

// tripleHighBonus is added when three or more dimensions sit at the maximum.
const tripleHighBonus = 0.3

// Tier cut points on the post-interaction weighted score.
const (
	tier1Cut = 0.8
	tier2Cut = 1.6
	tier3Cut = 2.3
)

// Latency clamps. A hard latency budget rules out the slower tiers no matter
// how complex the task is.
const (
	latencyTier1CapMS = 2000
	latencyTier2CapMS = 10000
)

type (
	// Scores holds the seven per-dimension scores, each 0-3.
	Scores struct {
		// Reasoning is the depth of multi-step inference required.
		Reasoning int `json:"reasoning"`
		// Context is how much material must be held and cross-referenced.
		Context int `json:"context"`
		// Ambiguity is how underspecified the task statement is.
		Ambiguity int `json:"ambiguity"`
		// Coordination is how many other agents or systems are involved.
		Coordination int `json:"coordination"`
		// Stakes is the cost of a wrong answer.
		Stakes int `json:"stakes"`
		// Precision is the tolerance for approximation in the output.
		Precision int `json:"precision"`
		// Novelty is how far the task sits from well-trodden patterns.
		Novelty int `json:"novelty"`
	}

	// Input is one scoring request.
	Input struct {
		Scores Scores `json:"scores"`
		// MaxLatencyMS caps the tier when positive: tight budgets rule out
		// the slower model classes.
		MaxLatencyMS int `json:"max_latency_ms,omitempty"`
		// SampleSize is how many comparable past tasks informed the scores.
		SampleSize int `json:"sample_size,omitempty"`
		// DomainMaturity is one of the maturity buckets; empty means emerging.
		DomainMaturity string `json:"domain_maturity,omitempty"`
	}

	// Result is one scoring outcome.
	Result struct {
		// Tier is the recommended model tier, 0-3.
		Tier int `json:"tier"`
		// WeightedScore is the post-interaction score on the 0-3 scale the
		// tier cuts apply to.
		WeightedScore float64 `json:"weighted_score"`
		// Confidence estimates how reliable the tier recommendation is,
		// 0.1-0.95.
		Confidence float64 `json:"confidence"`
		// LatencyClamped reports that the latency budget lowered the tier.
		LatencyClamped bool `json:"latency_clamped,omitempty"`
		// Factors names the interaction adjustments that fired.
		Factors []string `json:"factors,omitempty"`
	}
)

// dims returns the scores keyed by dimension name.
func (s Scores) dims() map[string]int {
	return map[string]int{
		DimReasoning:    s.Reasoning,
		DimContext:      s.Context,
		DimAmbiguity:    s.Ambiguity,
		DimCoordination: s.Coordination,
		DimStakes:       s.Stakes,
		DimPrecision:    s.Precision,
		DimNovelty:      s.Novelty,
	}
}

// Validate checks every dimension score is within 0-3.
func (s Scores) Validate() error {
	for name, v := range s.dims() {
		if v < 0 || v > MaxDimensionScore {
			return fmt.Errorf("%w: %s=%d outside 0-%d", ErrInvalidScore, name, v, MaxDimensionScore)
		}
	}
	return nil
}

// Score reduces the dimension scores to a model tier. It is deterministic and
// has no side effects.
func Score(in Input) (Result, error) {
	if err := in.Scores.Validate(); err != nil {
		return Result{}, err
	}
	maturity := in.DomainMaturity
	if maturity == "" {
		maturity = MaturityEmerging
	}
	switch maturity {
	case MaturityEstablished, MaturityEmerging, MaturityNovel:
	default:
		return Result{}, fmt.Errorf("%w: unknown domain maturity %q", ErrInvalidScore, in.DomainMaturity)
	}
	if in.SampleSize < 0 {
		return Result{}, fmt.Errorf("%w: sample_size %d is negative", ErrInvalidScore, in.SampleSize)
	}

	dims := in.Scores.dims()
	score := 0.0
	for _, name := range dimOrder {
		score += float64(dims[name]) * weights[name]
	}

	var res Result
	for _, ia := range interactions {
		if dims[ia.a] >= elevated && dims[ia.b] >= elevated {
			score *= ia.factor
			res.Factors = append(res.Factors, ia.a+"+"+ia.b)
		}
	}
	maxed := 0
	for _, v := range dims {
		if v == MaxDimensionScore {
			maxed++
		}
	}
	if maxed >= 3 {
		score += tripleHighBonus
		res.Factors = append(res.Factors, "triple_high")
	}
	score = math.Min(score, MaxDimensionScore)
	res.WeightedScore = round2(score)

	tier := 3
	switch {
	case score < tier1Cut:
		tier = 0
	case score < tier2Cut:
		tier = 1
	case score < tier3Cut:
		tier = 2
	}
	if limit, clamped := latencyCap(in.MaxLatencyMS); clamped && tier > limit {
		tier = limit
		res.LatencyClamped = true
	}
	res.Tier = tier
	res.Confidence = confidence(in.SampleSize, maturity)
	return res, nil
}

// latencyCap maps a latency budget to the highest usable tier.
func latencyCap(maxLatencyMS int) (int, bool) {
	switch {
	case maxLatencyMS <= 0:
		return 0, false
	case maxLatencyMS < latencyTier1CapMS:
		return 1, true
	case maxLatencyMS < latencyTier2CapMS:
		return 2, true
	default:
		return 0, false
	}
}

// confidence derives the estimate from sample-size and maturity buckets.
func confidence(sampleSize int, maturity string) float64 {
	base := 0.3
	switch {
	case sampleSize >= 20:
		base = 0.85
	case sampleSize >= 5:
		base = 0.7
	case sampleSize >= 1:
		base = 0.5
	}
	switch maturity {
	case MaturityEstablished:
		base += 0.1
	case MaturityNovel:
		base -= 0.1
	}
	return round2(math.Min(0.95, math.Max(0.1, base)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
