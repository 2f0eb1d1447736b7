package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/flitsinc/go-rooms/internal/directory"
)

// Policy ranks an agent's eligible fragments against the recent
// conversation, best first. Rank may call out to the generation service
// and must honor ctx cancellation.
type Policy interface {
	Name() string
	Rank(ctx context.Context, recent string, fragments []directory.Fragment) ([]string, error)
}

// Named lexical policies. Each biases toward a different emotional
// register by preferring fragments carrying certain tags.
const (
	PolicyBalanced   = "balanced"
	PolicyDifficult  = "difficult"
	PolicyStrategic  = "strategic"
	PolicyOptimistic = "optimistic"
	PolicyAvoidant   = "avoidant"
)

// tagPolicy scores fragments by word overlap with the recent
// conversation, shifted by a per-policy tag bias. Deterministic; ties
// break on fragment order.
type tagPolicy struct {
	name  string
	boost map[string]int // tag -> score delta, may be negative
}

// LexicalPolicies returns the built-in deterministic policies.
func LexicalPolicies() []Policy {
	return []Policy{
		&tagPolicy{name: PolicyBalanced},
		&tagPolicy{name: PolicyDifficult, boost: map[string]int{
			"grief": 4, "fear": 4, "regret": 4, "loss": 3, "conflict": 2,
		}},
		&tagPolicy{name: PolicyStrategic, boost: map[string]int{
			"strategy": 4, "plan": 4, "skill": 3, "lesson": 3, "victory": 2,
		}},
		&tagPolicy{name: PolicyOptimistic, boost: map[string]int{
			"joy": 4, "hope": 4, "friendship": 3, "victory": 3,
			"grief": -2, "fear": -2,
		}},
		&tagPolicy{name: PolicyAvoidant, boost: map[string]int{
			"grief": -4, "fear": -4, "regret": -4, "conflict": -3,
			"routine": 2, "skill": 2,
		}},
	}
}

func (p *tagPolicy) Name() string { return p.name }

func (p *tagPolicy) Rank(ctx context.Context, recent string, fragments []directory.Fragment) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recentWords := wordSet(recent)

	type scored struct {
		name  string
		score int
		order int
	}
	ranked := make([]scored, 0, len(fragments))
	for i, fragment := range fragments {
		score := 0
		for word := range wordSet(fragment.Text) {
			if _, ok := recentWords[word]; ok {
				score++
			}
		}
		for _, tag := range fragment.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			score += p.boost[tag]
			if _, ok := recentWords[tag]; ok {
				score += 2
			}
		}
		ranked = append(ranked, scored{name: fragment.Name, score: score, order: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].order < ranked[j].order
		}
		return ranked[i].score > ranked[j].score
	})

	out := make([]string, 0, len(ranked))
	for _, item := range ranked {
		if item.score < 0 {
			continue
		}
		out = append(out, item.name)
	}
	return out, nil
}

// wordSet lowercases and splits on non-letter boundaries, dropping words
// too short to signal anything.
func wordSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		out[word] = struct{}{}
	}
	return out
}
