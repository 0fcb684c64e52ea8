package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ApproverInput names one approver of a new request.
type ApproverInput struct {
	UserID   string `json:"user_id"  validate:"required"`
	Role     string `json:"role,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// ApprovalRequestInput contains the data needed to open an approval request.
type ApprovalRequestInput struct {
	InstanceID  string          `json:"instance_id"  validate:"required"`
	StepID      string          `json:"step_id"      validate:"required"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	RequestedBy string          `json:"requested_by"`
	Approvers   []ApproverInput `json:"approvers"    validate:"required,min=1,dive"`
	Documents   []string        `json:"documents"`
	Deadline    *time.Time      `json:"deadline"`
}

// ResolutionListener is told when a request leaves the pending state.
type ResolutionListener func(ctx context.Context, request *models.ApprovalRequest) error

// Approvals is the approval subsystem.
type Approvals struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	locks       *keyedMutex
	cfg         config
	logger      *slog.Logger

	mu        sync.RWMutex
	listeners []ResolutionListener
}

// NewApprovals creates a new approval service.
func NewApprovals(persistence persistence.Persistence, opts ...Option) *Approvals {
	cfg := newConfig(opts)

	return &Approvals{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		locks:       newKeyedMutex(),
		cfg:         cfg,
		logger:      cfg.logger.With("module", "approvals"),
	}
}

// OnResolved registers a listener called after a request is approved, rejected or expired.
func (a *Approvals) OnResolved(listener ResolutionListener) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listeners = append(a.listeners, listener)
}

// CreateApprovalRequest opens a pending request for a step of an existing instance.
func (a *Approvals) CreateApprovalRequest(ctx context.Context, input ApprovalRequestInput) (*models.ApprovalRequest, error) {
	ctx, span := otelhelper.StartSpan(ctx, a.cfg.tracer, "approvals.create",
		attribute.String(otelhelper.InstanceIDKey, input.InstanceID),
		attribute.String(otelhelper.StepIDKey, input.StepID),
	)
	defer span.End()

	const op = "Approvals.CreateApprovalRequest"

	err := a.validate.Struct(input)
	if err != nil {
		return nil, newError(op, input.InstanceID, ErrValidation, "%v", err)
	}

	seen := make(map[string]bool, len(input.Approvers))
	for _, approver := range input.Approvers {
		if seen[approver.UserID] {
			return nil, newError(op, input.InstanceID, ErrValidation, "approver %s listed twice", approver.UserID)
		}

		seen[approver.UserID] = true
	}

	instance, err := a.persistence.InstanceRepository().GetByID(ctx, input.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow instance: %w", err)
	}

	if instance == nil {
		return nil, newError(op, input.InstanceID, ErrInstanceNotFound, "")
	}

	if instance.Status.IsTerminal() {
		return nil, newError(op, instance.ID, ErrInstanceTerminal, "workflow is %s", instance.Status)
	}

	step := instance.FindStep(input.StepID)
	if step == nil {
		return nil, newError(op, input.StepID, ErrStepNotFound, "step %s not found in workflow %s", input.StepID, instance.ID)
	}

	now := a.cfg.clock()

	deadline := now.Add(a.cfg.approvalWindow)
	if input.Deadline != nil && input.Deadline.After(now) {
		deadline = *input.Deadline
	}

	title := input.Title
	if title == "" {
		title = "Approval required: " + step.Name
	}

	request := &models.ApprovalRequest{
		ID:          uuid.New().String(),
		InstanceID:  instance.ID,
		StepID:      step.StepID,
		Title:       title,
		Description: input.Description,
		RequestedBy: input.RequestedBy,
		Approvers:   make([]*models.ApprovalApprover, 0, len(input.Approvers)),
		Documents:   input.Documents,
		Deadline:    deadline,
		Status:      models.ApprovalStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, approver := range input.Approvers {
		request.Approvers = append(request.Approvers, &models.ApprovalApprover{
			ID:         uuid.New().String(),
			UserID:     approver.UserID,
			Role:       approver.Role,
			IsRequired: !approver.Optional,
			Status:     models.ApproverStatusPending,
		})
	}

	err = a.persistence.ApprovalRepository().Save(ctx, request)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	// A cancellation that finished after the instance was read has already
	// closed the instance's approvals, so this request is closed here.
	current, err := a.persistence.InstanceRepository().GetByID(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload workflow instance: %w", err)
	}

	if current == nil || current.Status.IsTerminal() {
		err = a.closeRequest(ctx, request.ID, now)
		if err != nil {
			return nil, err
		}

		return nil, newError(op, instance.ID, ErrInstanceTerminal, "workflow left the running states")
	}

	span.SetAttributes(attribute.String(otelhelper.ApprovalIDKey, request.ID))
	a.logger.InfoContext(ctx, "Approval requested",
		"approval_id", request.ID,
		"instance_id", request.InstanceID,
		"step_id", request.StepID,
		"approvers", len(request.Approvers),
	)

	a.notify(ctx, &models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationApprovalRequested,
		Title:      request.Title,
		Message:    fmt.Sprintf("Your approval is requested for %q in %q", step.Name, instance.Title),
		InstanceID: request.InstanceID,
		StepID:     request.StepID,
		ApprovalID: request.ID,
		Recipients: pendingApprovers(request),
		CreatedAt:  now,
	})

	return request, nil
}

// Decide records one approver's decision and resolves the request once the
// decisions so far determine the outcome.
func (a *Approvals) Decide(
	ctx context.Context,
	approvalID, userID string,
	decision models.DecisionKind,
	reason string,
) (*models.ApprovalRequest, error) {
	ctx, span := otelhelper.StartSpan(ctx, a.cfg.tracer, "approvals.decide",
		attribute.String(otelhelper.ApprovalIDKey, approvalID),
		attribute.String(otelhelper.UserIDKey, userID),
		attribute.String(otelhelper.DecisionKey, string(decision)),
	)
	defer span.End()

	const op = "Approvals.Decide"

	approverStatus, ok := decision.ApproverStatus()
	if !ok {
		return nil, newError(op, approvalID, ErrValidation, "unknown decision %q", decision)
	}

	unlock := a.locks.Lock(approvalID)

	request, err := a.persistence.ApprovalRepository().GetByID(ctx, approvalID)
	if err != nil {
		unlock()

		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	if request == nil {
		unlock()

		return nil, newError(op, approvalID, ErrApprovalNotFound, "")
	}

	now := a.cfg.clock()

	if request.IsExpired(now) {
		err = a.expire(ctx, request, now)
		unlock()

		if err != nil {
			return nil, err
		}

		a.resolved(ctx, request)

		return nil, newError(op, approvalID, ErrApprovalClosed, "approval request expired at %s", request.Deadline.Format(time.RFC3339))
	}

	if request.Status != models.ApprovalStatusPending {
		unlock()

		return nil, newError(op, approvalID, ErrApprovalClosed, "approval request is %s", request.Status)
	}

	approver := request.ApproverFor(userID)
	if approver == nil {
		unlock()

		return nil, newError(op, userID, ErrApproverNotFound, "user %s is not an approver of %s", userID, approvalID)
	}

	if approver.Status != models.ApproverStatusPending {
		unlock()

		return nil, newError(op, userID, ErrValidation, "user %s already decided (%s)", userID, approver.Status)
	}

	approver.Status = approverStatus
	approver.Reason = reason
	approver.DecidedAt = &now

	request.Status = models.AggregateApprovers(request.Approvers)
	request.UpdatedAt = now

	if request.Status != models.ApprovalStatusPending {
		request.ResolvedAt = &now
	}

	err = a.persistence.ApprovalRepository().Save(ctx, request)
	unlock()

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	a.logger.InfoContext(ctx, "Approval decision recorded",
		"approval_id", approvalID,
		"user_id", userID,
		"decision", decision,
		"status", request.Status,
	)

	if request.Status != models.ApprovalStatusPending {
		a.resolved(ctx, request)
	}

	return request, nil
}

// Get returns the request with id, expiring it first when its deadline has passed.
func (a *Approvals) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	request, err := a.persistence.ApprovalRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	if request == nil {
		return nil, newError("Approvals.Get", id, ErrApprovalNotFound, "")
	}

	if request.IsExpired(a.cfg.clock()) {
		return a.expireByID(ctx, id)
	}

	return request, nil
}

// ListPending returns pending requests ordered by deadline. With a userID, only
// requests still waiting on that user are returned.
func (a *Approvals) ListPending(ctx context.Context, userID string) ([]*models.ApprovalRequest, error) {
	requests, err := a.persistence.ApprovalRepository().GetPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	now := a.cfg.clock()
	pending := make([]*models.ApprovalRequest, 0, len(requests))

	for _, request := range requests {
		if request.IsExpired(now) {
			_, err = a.expireByID(ctx, request.ID)
			if err != nil {
				a.logger.WarnContext(ctx, "Failed to expire approval request", "approval_id", request.ID, "error", err)
			}

			continue
		}

		if userID != "" {
			approver := request.ApproverFor(userID)
			if approver == nil || approver.Status != models.ApproverStatusPending {
				continue
			}
		}

		pending = append(pending, request)
	}

	sortByDeadline(pending)

	return pending, nil
}

// ListByInstance returns every request of one instance, oldest first.
func (a *Approvals) ListByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	requests, err := a.persistence.ApprovalRepository().GetByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	slices.SortFunc(requests, func(x, y *models.ApprovalRequest) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(x.ID, y.ID)
	})

	return requests, nil
}

// ExpireOverdue moves every pending request whose deadline passed before now to
// expired and returns how many were expired.
func (a *Approvals) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, a.cfg.tracer, "approvals.expire_overdue")
	defer span.End()

	requests, err := a.persistence.ApprovalRepository().GetPending(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	expired := 0

	for _, candidate := range requests {
		if !candidate.IsExpired(now) {
			continue
		}

		unlock := a.locks.Lock(candidate.ID)

		request, err := a.persistence.ApprovalRepository().GetByID(ctx, candidate.ID)
		if err != nil || request == nil || !request.IsExpired(now) {
			unlock()

			continue
		}

		err = a.expire(ctx, request, now)
		unlock()

		if err != nil {
			a.logger.ErrorContext(ctx, "Failed to expire approval request", "approval_id", request.ID, "error", err)

			continue
		}

		expired++

		a.resolved(ctx, request)
	}

	if expired > 0 {
		a.logger.InfoContext(ctx, "Expired overdue approval requests", "count", expired)
	}

	return expired, nil
}

// CloseForInstance expires the pending requests of an instance that left the
// running states. Listeners are not called.
func (a *Approvals) CloseForInstance(ctx context.Context, instanceID string) error {
	requests, err := a.persistence.ApprovalRepository().GetByInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	now := a.cfg.clock()

	for _, candidate := range requests {
		if candidate.Status != models.ApprovalStatusPending {
			continue
		}

		err = a.closeRequest(ctx, candidate.ID, now)
		if err != nil {
			return err
		}
	}

	return nil
}

// closeRequest expires a request that is still pending without calling listeners.
func (a *Approvals) closeRequest(ctx context.Context, id string, now time.Time) error {
	unlock := a.locks.Lock(id)
	defer unlock()

	request, err := a.persistence.ApprovalRepository().GetByID(ctx, id)
	if err == nil && request != nil && request.Status == models.ApprovalStatusPending {
		request.Status = models.ApprovalStatusExpired
		request.ResolvedAt = &now
		request.UpdatedAt = now
		err = a.persistence.ApprovalRepository().Save(ctx, request)
	}

	if err != nil {
		return fmt.Errorf("failed to close approval request %s: %w", id, err)
	}

	return nil
}

func (a *Approvals) expireByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	unlock := a.locks.Lock(id)

	request, err := a.persistence.ApprovalRepository().GetByID(ctx, id)
	if err != nil {
		unlock()

		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	if request == nil {
		unlock()

		return nil, newError("Approvals.Get", id, ErrApprovalNotFound, "")
	}

	now := a.cfg.clock()
	if !request.IsExpired(now) {
		unlock()

		return request, nil
	}

	err = a.expire(ctx, request, now)
	unlock()

	if err != nil {
		return nil, err
	}

	a.resolved(ctx, request)

	return request, nil
}

// expire must be called with the request lock held.
func (a *Approvals) expire(ctx context.Context, request *models.ApprovalRequest, now time.Time) error {
	request.Status = models.ApprovalStatusExpired
	request.ResolvedAt = &now
	request.UpdatedAt = now

	err := a.persistence.ApprovalRepository().Save(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to expire approval request: %w", err)
	}

	a.logger.InfoContext(ctx, "Approval request expired", "approval_id", request.ID, "deadline", request.Deadline)

	a.notify(ctx, &models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationOverdue,
		Title:      "Approval expired: " + request.Title,
		Message:    "The approval deadline passed before all decisions were recorded",
		InstanceID: request.InstanceID,
		StepID:     request.StepID,
		ApprovalID: request.ID,
		Recipients: pendingApprovers(request),
		CreatedAt:  now,
	})

	return nil
}

// resolved publishes the outcome and calls the listeners. It runs without any lock held.
func (a *Approvals) resolved(ctx context.Context, request *models.ApprovalRequest) {
	a.publishOutcome(ctx, request)

	a.mu.RLock()
	listeners := slices.Clone(a.listeners)
	a.mu.RUnlock()

	for _, listener := range listeners {
		err := listener(ctx, request)
		if err != nil {
			a.logger.ErrorContext(ctx, "Approval listener failed",
				"approval_id", request.ID,
				"status", request.Status,
				"error", err,
			)
		}
	}
}

func (a *Approvals) publishOutcome(ctx context.Context, request *models.ApprovalRequest) {
	if a.cfg.publisher == nil {
		return
	}

	instance, err := a.persistence.InstanceRepository().GetByID(ctx, request.InstanceID)
	if err != nil || instance == nil {
		instance = &models.WorkflowInstance{ID: request.InstanceID}
	}

	resolved := events.ApprovalResolved{
		ApprovalID: request.ID,
		StepID:     request.StepID,
		Status:     request.Status,
	}

	var event eventbus.Event

	switch request.Status {
	case models.ApprovalStatusApproved:
		resolved.BaseEvent = events.NewBaseEvent(events.ApprovalGrantedEvent, instance)
		event = events.ApprovalGranted{ApprovalResolved: resolved}
	case models.ApprovalStatusRejected:
		resolved.BaseEvent = events.NewBaseEvent(events.ApprovalRejectedEvent, instance)
		event = events.ApprovalRejected{ApprovalResolved: resolved}
	default:
		return
	}

	err = a.cfg.publisher.Publish(ctx, request.InstanceID, event)
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to publish approval outcome", "approval_id", request.ID, "error", err)
	}
}

func (a *Approvals) notify(ctx context.Context, notification *models.WorkflowNotification) {
	if len(notification.Recipients) == 0 {
		return
	}

	err := a.cfg.sink.Notify(ctx, notification)
	if err != nil {
		a.logger.WarnContext(ctx, "Notification delivery failed",
			"notification_id", notification.ID,
			"type", notification.Type,
			"error", err,
		)
	}
}

func pendingApprovers(request *models.ApprovalRequest) []string {
	recipients := make([]string, 0, len(request.Approvers))

	for _, approver := range request.Approvers {
		if approver.Status == models.ApproverStatusPending {
			recipients = append(recipients, approver.UserID)
		}
	}

	return recipients
}

func sortByDeadline(requests []*models.ApprovalRequest) {
	slices.SortFunc(requests, func(x, y *models.ApprovalRequest) int {
		if c := x.Deadline.Compare(y.Deadline); c != 0 {
			return c
		}

		return strings.Compare(x.ID, y.ID)
	})
}
