package store

import (
	"strconv"
	"time"
)

type Location struct {
	ID       string
	Kind     string
	ParentID *string
	Name     string
	// Position records seeding order; it breaks ties between equal names.
	Position int
}

type User struct {
	ID          string
	DisplayName string
}

type Idea struct {
	ID           string
	LocationID   string
	AuthorID     string
	AuthorName   string
	Title        string
	Description  string
	Tags         []string
	SupportCount int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Plan struct {
	ID             string
	LocationID     string
	Year           int
	Adhoc          bool
	Stage          string
	StageEnteredAt time.Time
	StageDeadline  time.Time
	InitiatorID    string
	CreatedAt      time.Time
}

// Contribution is the privileged record of a plan contribution. AuthorID must
// never leave the process except through the points ledger.
type Contribution struct {
	ID          string
	PlanID      string
	Kind        string
	ParentID    *string
	AuthorID    string
	Contributor int
	Body        string
	CreatedAt   time.Time
}

type DecisionTally struct {
	ContributionID string
	Approve        int
	Reject         int
}

type StageChange struct {
	PlanID    string
	FromStage string
	ToStage   string
	Actor     string
	Override  bool
	Reason    string
	At        time.Time
}

type PointEvent struct {
	ID          string
	UserID      string
	Amount      int64
	Source      string
	ReferenceID string
	LocationID  string
	CreatedAt   time.Time
}

type Badge struct {
	UserID    string
	Kind      string
	Scope     string
	AwardedAt time.Time
}

type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// SupportInput describes one support or unsupport request. Points is the
// ledger entry appended for the idea's author when the call changes state;
// its UserID, ReferenceID and LocationID are filled in by the store.
type SupportInput struct {
	UserID string
	IdeaID string
	Points PointEvent
	At     time.Time
}

type SupportResult struct {
	Changed bool
	Idea    Idea
}

// ContributionInput carries a new contribution together with the stages in
// which the plan accepts it and the ledger entry crediting its author.
type ContributionInput struct {
	Contribution  Contribution
	AllowedStages []string
	ParentKinds   []string
	Points        PointEvent
}

type DecisionInput struct {
	PlanID         string
	ContributionID string
	UserID         string
	Approve        bool
	RequiredStage  string
	DecidableKinds []string
	Points         PointEvent
	At             time.Time
}

// Transition is a conditional stage move: it applies only while the plan is
// still in FromStage. Event is written to the outbox in the same transaction.
type Transition struct {
	PlanID    string
	FromStage string
	ToStage   string
	EnteredAt time.Time
	Deadline  time.Time
	Actor     string
	Override  bool
	Reason    string
	Event     OutboxMessage
}

// ActiveKey identifies the plan slot that may hold one non-completed plan.
func ActiveKey(plan Plan) string {
	if plan.Adhoc {
		return plan.LocationID
	}
	return plan.LocationID + "|" + strconv.Itoa(plan.Year)
}
