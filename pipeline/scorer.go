package pipeline

import "strings"

// Scorer ranks port names for heuristic linking. Higher scores win.
type Scorer interface {
	ScoreOutput(name string) int
	ScoreInput(name string) int
}

// UngroupedBonus is added per side to a link candidate whose port is not in
// a group. Unlink does not apply it.
const UngroupedBonus = 2

type scoreRule struct {
	substr string
	score  int
}

// Rules are matched by substring and every matching rule contributes. The
// exact name "out" scores on either side.
var (
	outputRules = []scoreRule{
		{"video", 90},
		{"preview", 85},
		{"isp", 80},
		{"rgbd", 70},
		{"pcl", 60},
		{"depth", 60},
		{"passthrough", 40},
		{"control", -10},
		{"meta", -20},
		{"metadata", -20},
		{"raw", -30},
	}
	inputRules = []scoreRule{
		{"input", 80},
		{"inColor", 70},
		{"inDepth", 70},
	}
)

// DefaultScorer prefers primary streams ("out", "video") over side
// channels and raw data, and data inputs over control inputs by name.
type DefaultScorer struct{}

func (DefaultScorer) ScoreOutput(name string) int {
	return exactOut(name) + sumRules(outputRules, name)
}

func (DefaultScorer) ScoreInput(name string) int {
	score := exactOut(name) + sumRules(inputRules, name)
	switch name {
	case "in":
		score += 60
	case "inSync":
		score -= 10
	}
	return score
}

func sumRules(rules []scoreRule, name string) int {
	score := 0
	for _, r := range rules {
		if strings.Contains(name, r.substr) {
			score += r.score
		}
	}
	return score
}

func exactOut(name string) int {
	if name == "out" {
		return 100
	}
	return 0
}
