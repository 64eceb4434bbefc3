package model

import (
	"time"

	"github.com/google/uuid"
)

// PolicyDecision is the verdict of the policy-evaluation service on a proposed change.
type PolicyDecision struct {
	Allowed                    bool   `json:"allowed"`
	Reason                     string `json:"reason"`
	RequiresAdditionalApproval bool   `json:"requires_additional_approval"`
}

// ProposedUpdate pairs the current production row with the row that would replace it.
type ProposedUpdate struct {
	Current  Record `json:"current"`
	Proposed Record `json:"proposed"`
}

// ChangeProposal is a diff handed to the approval workflow instead of being applied.
type ChangeProposal struct {
	Dataset     string           `json:"dataset"`
	EntityType  EntityType       `json:"entity_type"`
	ExecutionID uuid.UUID        `json:"execution_id"`
	RequestedBy string           `json:"requested_by"`
	RequestedAt time.Time        `json:"requested_at"`
	Additions   []Record         `json:"additions"`
	Updates     []ProposedUpdate `json:"updates"`
	Deletions   []Record         `json:"deletions"`
}

// Size is the number of lineages the proposal touches.
func (p *ChangeProposal) Size() int {
	return len(p.Additions) + len(p.Updates) + len(p.Deletions)
}
