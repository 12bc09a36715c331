package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Event is the notification payload for one stage transition.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Stage     pipeline.Stage  `json:"stage"`
	Status    pipeline.Status `json:"status"`
	Summary   string          `json:"summary,omitempty"`
	RiskScore *float64        `json:"risk_score,omitempty"`

	Branch string    `json:"branch,omitempty"`
	Head   string    `json:"head,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// NewEvent builds the event for stage of run entering status.
func NewEvent(run *pipeline.Run, stage pipeline.Stage, status pipeline.Status, at time.Time) Event {
	ev := Event{
		ID:      uuid.NewString(),
		RunID:   run.ID,
		Stage:   stage,
		Status:  status,
		Summary: run.Summary,
		Branch:  run.Trigger.Branch,
		Head:    run.Changes.Head,
		At:      at.UTC(),
	}
	if run.RiskScore != nil {
		score := *run.RiskScore
		ev.RiskScore = &score
	}
	if res, ok := run.Stages[stage]; ok {
		ev.Reason = res.Reason
	}
	return ev
}
