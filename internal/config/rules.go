package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxRulesFileSize bounds the rules file read from disk.
const MaxRulesFileSize = 1 << 20

//go:embed rules.yaml
var defaultRulesYAML []byte

const (
	BadgeScopeGlobal   = "global"
	BadgeScopeLocation = "location"
)

// BadgeRule grants Kind once a user's points in Scope reach Threshold.
type BadgeRule struct {
	Kind      string `yaml:"kind"`
	Scope     string `yaml:"scope"`
	Threshold int64  `yaml:"threshold"`
}

type rulesYAML struct {
	StageDurations       map[string]string `yaml:"stage_durations"`
	PointWeights         map[string]int64  `yaml:"point_weights"`
	MinPointsToStartPlan int64             `yaml:"min_points_to_start_plan"`
	AllowSelfSupport     bool              `yaml:"allow_self_support"`
	Badges               []BadgeRule       `yaml:"badges"`
}

// Rules holds the tunable scoring and scheduling tables.
type Rules struct {
	StageDurations       map[string]time.Duration
	PointWeights         map[string]int64
	MinPointsToStartPlan int64
	AllowSelfSupport     bool
	Badges               []BadgeRule
}

// DefaultRules returns the embedded rule set.
func DefaultRules() Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules.yaml is invalid: %v", err))
	}
	return rules
}

// LoadRules reads a rules file, or the embedded defaults when path is empty.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return Rules{}, fmt.Errorf("stat rules file: %w", err)
	}
	if info.Size() > MaxRulesFileSize {
		return Rules{}, fmt.Errorf("rules file %s exceeds %d bytes", path, MaxRulesFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (Rules, error) {
	var raw rulesYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Rules{}, fmt.Errorf("decode rules: %w", err)
	}

	rules := Rules{
		StageDurations:       make(map[string]time.Duration, len(raw.StageDurations)),
		PointWeights:         make(map[string]int64, len(raw.PointWeights)),
		MinPointsToStartPlan: raw.MinPointsToStartPlan,
		AllowSelfSupport:     raw.AllowSelfSupport,
	}
	for stage, value := range raw.StageDurations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return Rules{}, fmt.Errorf("stage %s: invalid duration %q: %w", stage, value, err)
		}
		if d <= 0 {
			return Rules{}, fmt.Errorf("stage %s: duration must be positive", stage)
		}
		rules.StageDurations[stage] = d
	}
	for source, weight := range raw.PointWeights {
		if weight < 0 {
			return Rules{}, fmt.Errorf("point weight %s must not be negative", source)
		}
		rules.PointWeights[source] = weight
	}

	seen := make(map[string]struct{}, len(raw.Badges))
	for _, badge := range raw.Badges {
		if badge.Kind == "" {
			return Rules{}, fmt.Errorf("badge kind is required")
		}
		if badge.Scope != BadgeScopeGlobal && badge.Scope != BadgeScopeLocation {
			return Rules{}, fmt.Errorf("badge %s: unknown scope %q", badge.Kind, badge.Scope)
		}
		if badge.Threshold <= 0 {
			return Rules{}, fmt.Errorf("badge %s: threshold must be positive", badge.Kind)
		}
		key := badge.Kind + "|" + badge.Scope
		if _, dup := seen[key]; dup {
			return Rules{}, fmt.Errorf("badge %s declared twice for scope %s", badge.Kind, badge.Scope)
		}
		seen[key] = struct{}{}
		rules.Badges = append(rules.Badges, badge)
	}
	return rules, nil
}
