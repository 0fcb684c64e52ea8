package models

import "time"

// ApprovalStatus is the aggregated outcome of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// ApproverStatus is the state of one approver's decision.
type ApproverStatus string

const (
	ApproverStatusPending   ApproverStatus = "pending"
	ApproverStatusApproved  ApproverStatus = "approved"
	ApproverStatusRejected  ApproverStatus = "rejected"
	ApproverStatusDelegated ApproverStatus = "delegated"
)

// DecisionKind is the verb an approver submits.
type DecisionKind string

const (
	DecisionApprove        DecisionKind = "approve"
	DecisionReject         DecisionKind = "reject"
	DecisionRequestChanges DecisionKind = "request_changes"
)

// ApproverStatus maps a decision verb to the approver state it produces.
func (d DecisionKind) ApproverStatus() (ApproverStatus, bool) {
	switch d {
	case DecisionApprove:
		return ApproverStatusApproved, true
	case DecisionReject:
		return ApproverStatusRejected, true
	case DecisionRequestChanges:
		return ApproverStatusDelegated, true
	default:
		return "", false
	}
}

// ApprovalApprover is one party whose sign-off is requested.
type ApprovalApprover struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Role       string         `json:"role,omitempty"`
	IsRequired bool           `json:"is_required"`
	Status     ApproverStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// ApprovalRequest gathers decisions from several approvers for one approval step.
type ApprovalRequest struct {
	ID          string              `json:"id"`
	InstanceID  string              `json:"instance_id"`
	StepID      string              `json:"step_id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	RequestedBy string              `json:"requested_by"`
	Approvers   []*ApprovalApprover `json:"approvers"`
	Documents   []string            `json:"documents,omitempty"`
	Deadline    time.Time           `json:"deadline"`
	Status      ApprovalStatus      `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
}

// ApproverFor returns the approver entry for userID, or nil.
func (r *ApprovalRequest) ApproverFor(userID string) *ApprovalApprover {
	for _, approver := range r.Approvers {
		if approver.UserID == userID {
			return approver
		}
	}

	return nil
}

// IsExpired reports whether a pending request has passed its deadline.
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return r.Status == ApprovalStatusPending && !r.Deadline.IsZero() && now.After(r.Deadline)
}

// AggregateApprovers reduces individual approver states to the request status.
//
// The request stays pending while any required approver is pending. Once every
// required approver has decided, it is approved iff all of them approved.
// Without required approvers the optional ones decide: any rejection or change
// request rejects, otherwise the first approval approves.
func AggregateApprovers(approvers []*ApprovalApprover) ApprovalStatus {
	required := 0
	allApproved := true

	for _, approver := range approvers {
		if !approver.IsRequired {
			continue
		}

		required++

		switch approver.Status {
		case ApproverStatusPending:
			return ApprovalStatusPending
		case ApproverStatusApproved:
		default:
			allApproved = false
		}
	}

	if required > 0 {
		if allApproved {
			return ApprovalStatusApproved
		}

		return ApprovalStatusRejected
	}

	outcome := ApprovalStatusPending

	for _, approver := range approvers {
		switch approver.Status {
		case ApproverStatusRejected, ApproverStatusDelegated:
			return ApprovalStatusRejected
		case ApproverStatusApproved:
			outcome = ApprovalStatusApproved
		}
	}

	return outcome
}
