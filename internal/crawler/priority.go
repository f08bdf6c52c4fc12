package crawler

import (
	"math/rand/v2"
	"strings"
)

const priorityJitterRange = 50

type priorityRule struct {
	needles []string
	weight  int
}

var priorityRules = []priorityRule{
	{needles: []string{"news", "blog"}, weight: 20},
	{needles: []string{".gov", ".edu"}, weight: 25},
	{needles: []string{"latest", "update"}, weight: 15},
	{needles: []string{"breaking", "trending"}, weight: 20},
	{needles: []string{"ads", "tracking"}, weight: -10},
	{needles: []string{"login", "signup"}, weight: -15},
}

// Scorer assigns crawl priorities from URL heuristics. Higher runs sooner.
type Scorer struct {
	// Jitter returns a value in [0,n). Defaults to math/rand.
	Jitter func(n int) int
}

// NewScorer returns a Scorer with random jitter.
func NewScorer() *Scorer {
	return &Scorer{Jitter: rand.IntN}
}

// Score implements PriorityScorer. The result is never below 1.
func (s *Scorer) Score(rawURL string) int {
	lower := strings.ToLower(rawURL)
	score := 0
	for _, rule := range priorityRules {
		if containsAny(lower, rule.needles) {
			score += rule.weight
		}
	}
	if len(strings.Split(lower, "/")) <= 4 {
		score += 10
	}
	if strings.HasPrefix(lower, "https://") {
		score += 5
	}
	jitter := rand.IntN
	if s != nil && s.Jitter != nil {
		jitter = s.Jitter
	}
	score += jitter(priorityJitterRange)
	return max(score, 1)
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
