package plan

import "fmt"

type Stage string

const (
	StageDraft      Stage = "Draft"
	StageDiscussion Stage = "Discussion"
	StageDecision   Stage = "Decision"
	StageReview     Stage = "Review"
	StageCompleted  Stage = "Completed"
)

var stageOrder = []Stage{StageDraft, StageDiscussion, StageDecision, StageReview, StageCompleted}

func ParseStage(value string) (Stage, error) {
	for _, s := range stageOrder {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrInvalid, value)
}

// Index is the position of s in the lifecycle, or -1.
func (s Stage) Index() int {
	for i, candidate := range stageOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. Completed has no successor.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Stages in which each contribution kind may be added.
var (
	openStages   = []string{string(StageDraft), string(StageDiscussion), string(StageDecision)}
	activeStages = []string{string(StageDraft), string(StageDiscussion), string(StageDecision), string(StageReview)}
)

// Contribution kinds.
const (
	KindIssue   = "issue"
	KindGoal    = "goal"
	KindAction  = "action"
	KindComment = "comment"
)
