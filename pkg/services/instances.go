package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
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

// SystemUser is recorded as the actor of transitions the engine performs itself.
const SystemUser = "system"

// Metadata keys the engine writes on instances.
const (
	metadataContractType     = "contract_type"
	metadataDeadlineNotified = "deadline_notified_at"
	metadataOverdueNotified  = "overdue_notified_at"
	metadataCancelReason     = "cancel_reason"
)

// errUnchanged aborts a mutation without saving and without reporting an error.
var errUnchanged = errors.New("unchanged")

// StepActionKind is what a caller does to a step.
type StepActionKind string

const (
	StepComplete StepActionKind = "complete"
	StepSkip     StepActionKind = "skip"
	StepReassign StepActionKind = "reassign"
	StepComment  StepActionKind = "comment"
)

// StepAction is a caller's request to transition or annotate a step.
type StepAction struct {
	Action      StepActionKind `json:"action"      validate:"required,oneof=complete skip reassign comment"`
	UserID      string         `json:"user_id"`
	Comment     string         `json:"comment"`
	Assignee    string         `json:"assignee"`
	Attachments []string       `json:"attachments"`
	Payload     map[string]any `json:"payload"`
}

// CreateWorkflowRequest contains the data needed to start a workflow from a template.
type CreateWorkflowRequest struct {
	TemplateID string         `json:"template_id" validate:"required"`
	SubjectID  string         `json:"subject_id"`
	Title      string         `json:"title"`
	Assignees  []string       `json:"assignees"   validate:"dive,required"`
	StartDate  *time.Time     `json:"start_date"`
	CreatedBy  string         `json:"created_by"`
	Metadata   map[string]any `json:"metadata"`
}

// WorkflowPatch holds the fields of an instance update. Nil fields are left unchanged.
type WorkflowPatch struct {
	Status        *models.WorkflowStatus
	Title         *string
	Assignees     []string
	StepAssignees map[string]string
	Metadata      map[string]any
}

// ListWorkflowsRequest contains options for listing workflow instances.
type ListWorkflowsRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	TemplateID string
	SubjectID  string
	Assignee   string
	Status     *models.WorkflowStatus

	// Sorting
	SortBy    string
	SortOrder string
}

// ListWorkflowsResponse contains the result of listing workflow instances.
type ListWorkflowsResponse struct {
	Workflows   []*models.WorkflowInstance `json:"workflows"`
	TotalCount  int64                      `json:"total_count"`
	HasNextPage bool                       `json:"has_next_page"`
}

// ApprovalRouter chooses the approvers of an approval step that carries no
// request_approval action.
type ApprovalRouter func(instance *models.WorkflowInstance, step *models.WorkflowStepInstance) []ApproverInput

// DefaultApprovalRouter asks the step assignee and every instance assignee.
func DefaultApprovalRouter(instance *models.WorkflowInstance, step *models.WorkflowStepInstance) []ApproverInput {
	approvers := make([]ApproverInput, 0, len(instance.Assignees)+1)
	seen := make(map[string]bool, len(instance.Assignees)+1)

	add := func(userID, role string) {
		if userID == "" || seen[userID] {
			return
		}

		seen[userID] = true
		approvers = append(approvers, ApproverInput{UserID: userID, Role: role})
	}

	add(step.Assignee, step.Role)

	for _, assignee := range instance.Assignees {
		add(assignee, "")
	}

	return approvers
}

// effects are collected while an instance is locked and dispatched after it is saved and unlocked.
type effects struct {
	events         []eventbus.Event
	notifications  []*models.WorkflowNotification
	approvalSteps  []*models.WorkflowStepInstance
	actionSteps    []*models.WorkflowStepInstance
	closeApprovals bool
}

func (fx *effects) notify(notification *models.WorkflowNotification) {
	if len(notification.Recipients) == 0 {
		return
	}

	fx.notifications = append(fx.notifications, notification)
}

func (fx *effects) pending() bool {
	return len(fx.approvalSteps) > 0 || len(fx.actionSteps) > 0
}

// Instances is the workflow instance engine.
type Instances struct {
	persistence persistence.Persistence
	templates   *Templates
	approvals   *Approvals
	validate    *validator.Validate
	locks       *keyedMutex
	cfg         config
	logger      *slog.Logger
}

// NewInstances creates the instance engine and subscribes it to approval outcomes.
func NewInstances(
	persistence persistence.Persistence,
	templates *Templates,
	approvals *Approvals,
	opts ...Option,
) *Instances {
	cfg := newConfig(opts)

	instances := &Instances{
		persistence: persistence,
		templates:   templates,
		approvals:   approvals,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		locks:       newKeyedMutex(),
		cfg:         cfg,
		logger:      cfg.logger.With("module", "instances"),
	}

	approvals.OnResolved(instances.ResumeFromApproval)

	return instances
}

// HealthCheck checks the health of the persistence layer.
func (s *Instances) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateWorkflow materializes a template into a draft instance with its first step active.
func (s *Instances) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.create",
		attribute.String(otelhelper.TemplateIDKey, req.TemplateID))
	defer span.End()

	const op = "Instances.CreateWorkflow"

	err := s.validate.Struct(req)
	if err != nil {
		return nil, newError(op, req.TemplateID, ErrValidation, "%v", err)
	}

	// The template stays locked until the instance referencing it is saved.
	releaseTemplate := sync.OnceFunc(s.templates.lockTemplate(req.TemplateID))
	defer releaseTemplate()

	template, err := s.templates.Get(ctx, req.TemplateID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !template.IsActive {
		return nil, newError(op, template.ID, ErrValidation, "template %s is not active", template.ID)
	}

	steps := template.SortedSteps()
	if len(steps) == 0 {
		return nil, newError(op, template.ID, ErrInvalidTemplate, "template has no steps")
	}

	if len(steps[0].Dependencies) > 0 {
		return nil, newError(op, template.ID, ErrInvalidTemplate, "first step %s has dependencies", steps[0].ID)
	}

	now := s.cfg.clock()

	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}

	title := req.Title
	if title == "" {
		title = template.Name
	}

	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}

	if _, ok := metadata[metadataContractType]; !ok {
		metadata[metadataContractType] = template.ContractType
	}

	instance := &models.WorkflowInstance{
		ID:               uuid.New().String(),
		TemplateID:       template.ID,
		TemplateVersion:  template.Version,
		SubjectID:        req.SubjectID,
		Title:            title,
		Status:           models.WorkflowStatusDraft,
		Steps:            materializeSteps(steps),
		Assignees:        slices.Clone(req.Assignees),
		StartDate:        start,
		EstimatedEndDate: start.Add(estimatedDuration(template)),
		Metadata:         metadata,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	span.SetAttributes(attribute.String(otelhelper.InstanceIDKey, instance.ID))

	fx := &effects{}
	fx.events = append(fx.events, events.WorkflowCreated{
		BaseEvent: events.NewBaseEvent(events.WorkflowCreatedEvent, instance),
		SubjectID: instance.SubjectID,
		Title:     instance.Title,
		CreatedBy: instance.CreatedBy,
	})

	unlock := s.locks.Lock(instance.ID)
	s.activate(instance, instance.Steps[0], now, fx)

	err = s.persistence.InstanceRepository().Save(ctx, instance)
	unlock()
	releaseTemplate()

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create workflow instance: %w", err)
	}

	s.logger.InfoContext(ctx, "Workflow created",
		"instance_id", instance.ID,
		"template_id", template.ID,
		"template_version", template.Version,
		"steps", len(instance.Steps),
	)

	s.dispatch(ctx, instance, fx)

	return s.refresh(ctx, instance, fx), nil
}

// StartWorkflow moves a draft instance to active. Starting an active instance is a no-op.
func (s *Instances) StartWorkflow(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	const op = "Instances.StartWorkflow"

	return s.mutate(ctx, op, id, func(instance *models.WorkflowInstance, _ time.Time, fx *effects) error {
		switch instance.Status {
		case models.WorkflowStatusDraft:
			s.setStatus(instance, models.WorkflowStatusActive, fx)

			return nil
		case models.WorkflowStatusActive:
			return errUnchanged
		case models.WorkflowStatusCompleted, models.WorkflowStatusCancelled:
			return newError(op, id, ErrInstanceTerminal, "workflow is %s", instance.Status)
		default:
			return newError(op, id, ErrInstanceNotDraft, "workflow is %s", instance.Status)
		}
	})
}

// ExecuteStep completes, skips, reassigns or comments on a step.
func (s *Instances) ExecuteStep(
	ctx context.Context,
	instanceID, stepID string,
	action StepAction,
) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.execute_step",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.StepIDKey, stepID),
		attribute.String(otelhelper.StepActionKey, string(action.Action)),
		attribute.String(otelhelper.UserIDKey, action.UserID),
	)
	defer span.End()

	const op = "Instances.ExecuteStep"

	err := s.validate.Struct(action)
	if err != nil {
		return nil, newError(op, stepID, ErrValidation, "%v", err)
	}

	instance, err := s.mutate(ctx, op, instanceID, func(instance *models.WorkflowInstance, now time.Time, fx *effects) error {
		return s.executeStep(op, instance, stepID, action, now, fx)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return instance, nil
}

func (s *Instances) executeStep(
	op string,
	instance *models.WorkflowInstance,
	stepID string,
	action StepAction,
	now time.Time,
	fx *effects,
) error {
	if instance.Status.IsTerminal() {
		return newError(op, instance.ID, ErrInstanceTerminal, "workflow is %s", instance.Status)
	}

	step := instance.FindStep(stepID)
	if step == nil {
		return newError(op, stepID, ErrStepNotFound, "step %s not found in workflow %s", stepID, instance.ID)
	}

	if action.Action == StepComment {
		if action.Comment == "" {
			return newError(op, stepID, ErrValidation, "comment text is required")
		}

		addComment(step, action.UserID, action.Comment, now)

		return nil
	}

	if instance.Status == models.WorkflowStatusPaused {
		return newError(op, instance.ID, ErrValidation, "workflow is paused")
	}

	if step.Status != models.StepStatusActive {
		return newError(op, stepID, ErrStepNotActive, "step %s is %s", stepID, step.Status)
	}

	switch action.Action {
	case StepReassign:
		if action.Assignee == "" {
			return newError(op, stepID, ErrValidation, "assignee is required")
		}

		s.assign(instance, step, action.Assignee, now, fx)

		if action.Comment != "" {
			addComment(step, action.UserID, action.Comment, now)
		}

		return nil
	case StepSkip:
		if !step.CanSkip {
			return newError(op, stepID, ErrStepNotSkippable, "step %s cannot be skipped", stepID)
		}
	case StepComplete:
	default:
		return newError(op, stepID, ErrValidation, "unknown step action %q", action.Action)
	}

	if action.Comment != "" {
		addComment(step, action.UserID, action.Comment, now)
	}

	step.Attachments = append(step.Attachments, action.Attachments...)

	if len(action.Payload) > 0 {
		if instance.Metadata == nil {
			instance.Metadata = make(map[string]any, len(action.Payload))
		}

		maps.Copy(instance.Metadata, action.Payload)
	}

	outcome := models.StepStatusCompleted
	if action.Action == StepSkip {
		outcome = models.StepStatusSkipped
	}

	s.finishStep(instance, step, outcome, action.UserID, now, fx)

	return nil
}

// UpdateWorkflow applies patch. Completion is reserved to step advancement.
func (s *Instances) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.update",
		attribute.String(otelhelper.InstanceIDKey, id))
	defer span.End()

	const op = "Instances.UpdateWorkflow"

	instance, err := s.mutate(ctx, op, id, func(instance *models.WorkflowInstance, now time.Time, fx *effects) error {
		if instance.Status.IsTerminal() {
			return newError(op, id, ErrInstanceTerminal, "workflow is %s", instance.Status)
		}

		if patch.Status != nil {
			if !patch.Status.IsValid() {
				return newError(op, id, ErrValidation, "invalid status %q", *patch.Status)
			}

			if *patch.Status == models.WorkflowStatusCompleted {
				return newError(op, id, ErrValidation, "workflows complete through their steps")
			}
		}

		for stepID, assignee := range patch.StepAssignees {
			if instance.FindStep(stepID) == nil {
				return newError(op, stepID, ErrStepNotFound, "step %s not found in workflow %s", stepID, id)
			}

			if assignee == "" {
				return newError(op, stepID, ErrValidation, "assignee is required")
			}
		}

		if patch.Title != nil {
			instance.Title = *patch.Title
		}

		if patch.Assignees != nil {
			instance.Assignees = slices.Clone(patch.Assignees)
		}

		if len(patch.Metadata) > 0 {
			if instance.Metadata == nil {
				instance.Metadata = make(map[string]any, len(patch.Metadata))
			}

			maps.Copy(instance.Metadata, patch.Metadata)
		}

		for _, stepID := range slices.Sorted(maps.Keys(patch.StepAssignees)) {
			s.assign(instance, instance.FindStep(stepID), patch.StepAssignees[stepID], now, fx)
		}

		if patch.Status != nil && *patch.Status != instance.Status {
			s.setStatus(instance, *patch.Status, fx)

			if *patch.Status == models.WorkflowStatusCancelled {
				fx.closeApprovals = true
			}
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return instance, nil
}

// CancelWorkflow moves the instance to cancelled and closes its pending approvals.
func (s *Instances) CancelWorkflow(ctx context.Context, id, reason string) (*models.WorkflowInstance, error) {
	cancelled := models.WorkflowStatusCancelled

	patch := WorkflowPatch{Status: &cancelled}
	if reason != "" {
		patch.Metadata = map[string]any{metadataCancelReason: reason}
	}

	return s.UpdateWorkflow(ctx, id, patch)
}

// GetWorkflow returns the instance with id.
func (s *Instances) GetWorkflow(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := s.persistence.InstanceRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow instance: %w", err)
	}

	if instance == nil {
		return nil, newError("Instances.GetWorkflow", id, ErrInstanceNotFound, "")
	}

	return instance, nil
}

// ListWorkflows retrieves instances with filtering, sorting, and pagination.
func (s *Instances) ListWorkflows(ctx context.Context, req ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	if req.Status != nil && !req.Status.IsValid() {
		return nil, NewValidationError("Instances.ListWorkflows", "invalid_status",
			fmt.Sprintf("invalid status '%s'", *req.Status), ErrValidation)
	}

	result, err := s.persistence.InstanceRepository().List(ctx, persistence.ListInstancesOptions{
		TemplateID: req.TemplateID,
		SubjectID:  req.SubjectID,
		Assignee:   req.Assignee,
		Status:     req.Status,
		Limit:      req.Limit,
		Offset:     req.Offset,
		SortBy:     req.SortBy,
		SortOrder:  req.SortOrder,
	})
	if err != nil {
		// Map persistence validation errors to service validation errors
		if errors.Is(err, persistence.ErrInvalidSortField) {
			return nil, NewValidationError("Instances.ListWorkflows", "invalid_sort_field", err.Error(), ErrInvalidSortField)
		}

		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return &ListWorkflowsResponse{
		Workflows:   result.Instances,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// ResumeFromApproval applies a resolved approval to the step that owns it. It is
// registered as an approval listener by NewInstances.
func (s *Instances) ResumeFromApproval(ctx context.Context, request *models.ApprovalRequest) error {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.resume_from_approval",
		attribute.String(otelhelper.InstanceIDKey, request.InstanceID),
		attribute.String(otelhelper.ApprovalIDKey, request.ID),
	)
	defer span.End()

	_, err := s.mutate(ctx, "Instances.ResumeFromApproval", request.InstanceID,
		func(instance *models.WorkflowInstance, now time.Time, fx *effects) error {
			if instance.Status.IsTerminal() {
				return errUnchanged
			}

			step := instance.FindStep(request.StepID)
			if step == nil {
				return errUnchanged
			}

			decidedAt := now
			if request.ResolvedAt != nil {
				decidedAt = *request.ResolvedAt
			}

			step.Decisions = append(step.Decisions, models.Decision{
				ApprovalID: request.ID,
				Outcome:    request.Status,
				DecidedAt:  decidedAt,
			})

			if step.Status != models.StepStatusActive {
				return nil
			}

			switch request.Status {
			case models.ApprovalStatusApproved:
				s.finishStep(instance, step, models.StepStatusCompleted, SystemUser, now, fx)
			case models.ApprovalStatusRejected, models.ApprovalStatusExpired:
				s.failStep(instance, step, "approval "+string(request.Status), now, fx)
			case models.ApprovalStatusPending:
			}

			return nil
		})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// NotifyDeadlines sends one deadline_approaching notification per instance once
// its estimated end date is within the warning window, and one overdue
// notification (plus a date_reached domain event) once it has passed. It returns
// the number of instances notified.
func (s *Instances) NotifyDeadlines(ctx context.Context, now time.Time) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.notify_deadlines")
	defer span.End()

	instances, err := s.persistence.InstanceRepository().GetAll(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list workflow instances: %w", err)
	}

	notified := 0

	for _, candidate := range instances {
		if !deadlineDue(candidate, now, s.cfg.deadlineWarning) {
			continue
		}

		_, err = s.mutate(ctx, "Instances.NotifyDeadlines", candidate.ID,
			func(instance *models.WorkflowInstance, _ time.Time, fx *effects) error {
				if !deadlineDue(instance, now, s.cfg.deadlineWarning) {
					return errUnchanged
				}

				s.deadlineEffects(instance, now, fx)

				return nil
			})
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to notify deadline", "instance_id", candidate.ID, "error", err)

			continue
		}

		notified++
	}

	return notified, nil
}

func deadlineDue(instance *models.WorkflowInstance, now time.Time, warning time.Duration) bool {
	if instance.Status != models.WorkflowStatusActive && instance.Status != models.WorkflowStatusDraft {
		return false
	}

	if instance.EstimatedEndDate.IsZero() {
		return false
	}

	if instance.IsOverdue(now) {
		_, done := instance.Metadata[metadataOverdueNotified]

		return !done
	}

	_, done := instance.Metadata[metadataDeadlineNotified]

	return !done && !now.After(instance.EstimatedEndDate) && instance.EstimatedEndDate.Sub(now) <= warning
}

func (s *Instances) deadlineEffects(instance *models.WorkflowInstance, now time.Time, fx *effects) {
	if instance.Metadata == nil {
		instance.Metadata = make(map[string]any, 1)
	}

	recipients := instanceRecipients(instance)

	if instance.IsOverdue(now) {
		instance.Metadata[metadataOverdueNotified] = now.Format(time.RFC3339)

		fx.notify(&models.WorkflowNotification{
			ID:         uuid.New().String(),
			Type:       models.NotificationOverdue,
			Title:      "Workflow overdue: " + instance.Title,
			Message:    "The estimated end date " + instance.EstimatedEndDate.Format(time.RFC3339) + " has passed",
			InstanceID: instance.ID,
			Recipients: recipients,
			CreatedAt:  now,
		})

		fx.events = append(fx.events, events.NewDomainEvent(models.TriggerDateReached, instance, map[string]any{
			"deadline":           "estimated_end_date",
			"estimated_end_date": instance.EstimatedEndDate.Format(time.RFC3339),
			"overdue":            true,
		}))

		return
	}

	instance.Metadata[metadataDeadlineNotified] = now.Format(time.RFC3339)

	fx.notify(&models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationDeadlineApproaching,
		Title:      "Deadline approaching: " + instance.Title,
		Message:    "Estimated end date is " + instance.EstimatedEndDate.Format(time.RFC3339),
		InstanceID: instance.ID,
		Recipients: recipients,
		CreatedAt:  now,
	})
}

// PublishDomainEvent feeds an external fact about an instance, such as an
// uploaded document, to the automation rules. An uploaded document is also
// attached to the active step.
func (s *Instances) PublishDomainEvent(
	ctx context.Context,
	instanceID string,
	trigger models.TriggerKind,
	data map[string]any,
) error {
	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.publish_domain_event",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.TriggerKindKey, string(trigger)),
	)
	defer span.End()

	const op = "Instances.PublishDomainEvent"

	if trigger == "" {
		return newError(op, instanceID, ErrValidation, "trigger is required")
	}

	_, err := s.mutate(ctx, op, instanceID, func(instance *models.WorkflowInstance, _ time.Time, fx *effects) error {
		if document, ok := data["document"].(string); ok && trigger == models.TriggerDocumentUploaded {
			if step := instance.ActiveStep(); step != nil {
				step.Attachments = append(step.Attachments, document)
			}
		}

		fx.events = append(fx.events, events.NewDomainEvent(trigger, instance, data))

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// mutate loads the instance under its lock, applies fn to the loaded copy, saves
// it and dispatches the collected effects once the lock is released. When fn
// fails the stored instance is left untouched.
func (s *Instances) mutate(
	ctx context.Context,
	op, id string,
	fn func(instance *models.WorkflowInstance, now time.Time, fx *effects) error,
) (*models.WorkflowInstance, error) {
	unlock := s.locks.Lock(id)

	instance, err := s.persistence.InstanceRepository().GetByID(ctx, id)
	if err != nil {
		unlock()

		return nil, fmt.Errorf("failed to load workflow instance: %w", err)
	}

	if instance == nil {
		unlock()

		return nil, newError(op, id, ErrInstanceNotFound, "")
	}

	fx := &effects{}
	now := s.cfg.clock()

	err = fn(instance, now, fx)
	if errors.Is(err, errUnchanged) {
		unlock()

		return instance, nil
	}

	if err != nil {
		unlock()

		return nil, err
	}

	instance.UpdatedAt = now

	err = s.persistence.InstanceRepository().Save(ctx, instance)
	unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to save workflow instance: %w", err)
	}

	s.dispatch(ctx, instance, fx)

	return s.refresh(ctx, instance, fx), nil
}

// refresh reloads the instance when dispatched effects may have changed it again.
func (s *Instances) refresh(ctx context.Context, instance *models.WorkflowInstance, fx *effects) *models.WorkflowInstance {
	if !fx.pending() {
		return instance
	}

	fresh, err := s.persistence.InstanceRepository().GetByID(ctx, instance.ID)
	if err != nil || fresh == nil {
		return instance
	}

	return fresh
}

func (s *Instances) setStatus(instance *models.WorkflowInstance, status models.WorkflowStatus, fx *effects) {
	from := instance.Status
	instance.Status = status

	fx.events = append(fx.events, events.WorkflowStatusChanged{
		BaseEvent: events.NewBaseEvent(events.WorkflowStatusEvent, instance),
		From:      from,
		To:        status,
	})
}

func (s *Instances) assign(
	instance *models.WorkflowInstance,
	step *models.WorkflowStepInstance,
	assignee string,
	now time.Time,
	fx *effects,
) {
	step.Assignee = assignee

	fx.notify(&models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationTaskAssigned,
		Title:      "Task assigned: " + step.Name,
		Message:    fmt.Sprintf("You have been assigned %q in %q", step.Name, instance.Title),
		InstanceID: instance.ID,
		StepID:     step.StepID,
		Recipients: []string{assignee},
		CreatedAt:  now,
	})
}

// activate must only be called for a pending step whose dependencies are satisfied.
func (s *Instances) activate(instance *models.WorkflowInstance, step *models.WorkflowStepInstance, now time.Time, fx *effects) {
	step.Status = models.StepStatusActive
	step.StartedAt = &now
	step.Error = ""
	instance.CurrentStep = instance.StepIndex(step)

	recipients := instance.Assignees
	if step.Assignee != "" {
		recipients = []string{step.Assignee}
	}

	fx.notify(&models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationTaskAssigned,
		Title:      "Task assigned: " + step.Name,
		Message:    fmt.Sprintf("Step %q of %q is ready", step.Name, instance.Title),
		InstanceID: instance.ID,
		StepID:     step.StepID,
		Recipients: slices.Clone(recipients),
		CreatedAt:  now,
	})

	if step.Type == models.StepTypeApproval && !hasAction(step, models.ActionRequestApproval) {
		fx.approvalSteps = append(fx.approvalSteps, step)
	}

	if len(step.Actions) > 0 || autoCompletes(step.Type) {
		fx.actionSteps = append(fx.actionSteps, step)
	}
}

// finishStep closes an active step as completed or skipped and advances the instance.
func (s *Instances) finishStep(
	instance *models.WorkflowInstance,
	step *models.WorkflowStepInstance,
	outcome models.StepStatus,
	userID string,
	now time.Time,
	fx *effects,
) {
	closeStep(step, outcome, now)

	if instance.Status == models.WorkflowStatusDraft {
		s.setStatus(instance, models.WorkflowStatusActive, fx)
	}

	instance.Progress = instance.ComputeProgress()

	fx.events = append(fx.events, events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, instance),
		StepID:    step.StepID,
		StepName:  step.Name,
		StepType:  step.Type,
		Outcome:   outcome,
		UserID:    userID,
		Progress:  instance.Progress,
	})

	fx.notify(&models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationStepCompleted,
		Title:      "Step " + string(outcome) + ": " + step.Name,
		Message:    fmt.Sprintf("%q is %d%% complete", instance.Title, instance.Progress),
		InstanceID: instance.ID,
		StepID:     step.StepID,
		Recipients: slices.Clone(instance.Assignees),
		CreatedAt:  now,
	})

	s.advance(instance, step, now, fx)
}

// failStep marks an active step as error and advances past it when possible.
func (s *Instances) failStep(
	instance *models.WorkflowInstance,
	step *models.WorkflowStepInstance,
	reason string,
	now time.Time,
	fx *effects,
) {
	closeStep(step, models.StepStatusError, now)
	step.Error = reason

	fx.events = append(fx.events, events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, instance),
		StepID:    step.StepID,
		StepName:  step.Name,
		StepType:  step.Type,
		Outcome:   models.StepStatusError,
		UserID:    SystemUser,
		Progress:  instance.Progress,
	})

	s.advance(instance, step, now, fx)
}

// advance activates the next startable step or, when none is left, completes or
// fails the instance.
func (s *Instances) advance(instance *models.WorkflowInstance, from *models.WorkflowStepInstance, now time.Time, fx *effects) {
	if instance.ActiveStep() != nil {
		return
	}

	if next := nextStep(instance, from); next != nil {
		s.activate(instance, next, now, fx)

		return
	}

	if instance.RequiredStepsSatisfied() {
		s.completeInstance(instance, now, fx)

		return
	}

	s.setStatus(instance, models.WorkflowStatusError, fx)
}

func (s *Instances) completeInstance(instance *models.WorkflowInstance, now time.Time, fx *effects) {
	for _, step := range instance.Steps {
		if step.Status == models.StepStatusPending {
			closeStep(step, models.StepStatusSkipped, now)
		}
	}

	instance.Status = models.WorkflowStatusCompleted
	instance.ActualEndDate = &now
	instance.Progress = 100
	fx.closeApprovals = true

	fx.events = append(fx.events, events.WorkflowCompleted{
		BaseEvent: events.NewBaseEvent(events.WorkflowCompletedEvent, instance),
		Duration:  now.Sub(instance.StartDate),
	})

	fx.notify(&models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationWorkflowCompleted,
		Title:      "Workflow completed: " + instance.Title,
		Message:    fmt.Sprintf("All required steps of %q are done", instance.Title),
		InstanceID: instance.ID,
		Recipients: instanceRecipients(instance),
		CreatedAt:  now,
	})
}

// dispatch delivers effects. Failures are logged and never undo the saved transition.
func (s *Instances) dispatch(ctx context.Context, instance *models.WorkflowInstance, fx *effects) {
	if s.cfg.publisher != nil {
		for _, event := range fx.events {
			err := s.cfg.publisher.Publish(ctx, instance.ID, event)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to publish event",
					"instance_id", instance.ID,
					"event_type", event.GetType(),
					"error", err,
				)
			}
		}
	}

	for _, notification := range fx.notifications {
		err := s.cfg.sink.Notify(ctx, notification)
		if err != nil {
			s.logger.WarnContext(ctx, "Notification delivery failed",
				"notification_id", notification.ID,
				"type", notification.Type,
				"error", err,
			)
		}
	}

	if fx.closeApprovals {
		err := s.approvals.CloseForInstance(ctx, instance.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to close approvals", "instance_id", instance.ID, "error", err)
		}
	}

	for _, step := range fx.approvalSteps {
		s.requestStepApproval(ctx, instance, step)
	}

	for _, step := range fx.actionSteps {
		s.runStepActions(ctx, instance, step)
	}
}

func (s *Instances) requestStepApproval(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStepInstance) {
	approvers := s.cfg.router(instance, step)
	if len(approvers) == 0 {
		s.failActiveStep(ctx, instance.ID, step.StepID, "no approvers for approval step")

		return
	}

	_, err := s.approvals.CreateApprovalRequest(ctx, ApprovalRequestInput{
		InstanceID:  instance.ID,
		StepID:      step.StepID,
		RequestedBy: SystemUser,
		Approvers:   approvers,
		Documents:   step.Attachments,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to request approval", "instance_id", instance.ID, "step_id", step.StepID, "error", err)
		s.failActiveStep(ctx, instance.ID, step.StepID, err.Error())
	}
}

// runStepActions interprets the actions of a newly active step in order.
// Automated, notification and document generation steps complete on their own
// once their immediate actions succeeded.
func (s *Instances) runStepActions(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStepInstance) {
	payload := stepPayload(instance, step)

	for _, action := range step.Actions {
		if action.Delay > 0 {
			s.applyLater(ctx, instance.ID, action, payload)

			continue
		}

		err := s.ApplyAction(ctx, instance.ID, action, payload)
		if err != nil {
			s.logger.ErrorContext(ctx, "Step action failed",
				"instance_id", instance.ID,
				"step_id", step.StepID,
				"action_type", action.Type,
				"error", err,
			)
			s.failActiveStep(ctx, instance.ID, step.StepID, err.Error())

			return
		}
	}

	if !autoCompletes(step.Type) {
		return
	}

	_, err := s.ExecuteStep(ctx, instance.ID, step.StepID, StepAction{Action: StepComplete, UserID: SystemUser})
	if err != nil && !errors.Is(err, ErrStepNotActive) && !errors.Is(err, ErrInstanceTerminal) {
		s.logger.WarnContext(ctx, "Automatic step completion failed", "instance_id", instance.ID, "step_id", step.StepID, "error", err)
	}
}

func (s *Instances) applyLater(ctx context.Context, instanceID string, action *models.WorkflowAction, payload map[string]any) {
	detached := context.WithoutCancel(ctx)

	s.cfg.afterFunc(action.Delay, func() {
		err := s.ApplyAction(detached, instanceID, action, payload)
		if err != nil {
			s.logger.ErrorContext(detached, "Delayed action failed", "instance_id", instanceID, "action_type", action.Type, "error", err)
		}
	})
}

// failActiveStep marks the step as error if it is still the active one.
func (s *Instances) failActiveStep(ctx context.Context, instanceID, stepID, reason string) {
	_, err := s.mutate(ctx, "Instances.failActiveStep", instanceID,
		func(instance *models.WorkflowInstance, now time.Time, fx *effects) error {
			if instance.Status.IsTerminal() {
				return errUnchanged
			}

			step := instance.FindStep(stepID)
			if step == nil || step.Status != models.StepStatusActive {
				return errUnchanged
			}

			s.failStep(instance, step, reason, now, fx)

			return nil
		})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark step as error", "instance_id", instanceID, "step_id", stepID, "error", err)
	}
}

// nextStep picks the pending step with the smallest order above from whose
// dependencies are satisfied, falling back to the smallest startable order.
func nextStep(instance *models.WorkflowInstance, from *models.WorkflowStepInstance) *models.WorkflowStepInstance {
	var after, first *models.WorkflowStepInstance

	for _, step := range instance.Steps {
		if step.Status != models.StepStatusPending || !instance.DependenciesSatisfied(step) {
			continue
		}

		if first == nil || step.Order < first.Order {
			first = step
		}

		if from != nil && step.Order > from.Order && (after == nil || step.Order < after.Order) {
			after = step
		}
	}

	if after != nil {
		return after
	}

	return first
}

func materializeSteps(steps []*models.WorkflowStep) []*models.WorkflowStepInstance {
	instances := make([]*models.WorkflowStepInstance, 0, len(steps))

	for _, step := range steps {
		instances = append(instances, &models.WorkflowStepInstance{
			ID:            uuid.New().String(),
			StepID:        step.ID,
			Name:          step.Name,
			Type:          step.Type,
			Order:         step.Order,
			Role:          step.Role,
			Dependencies:  slices.Clone(step.Dependencies),
			IsRequired:    step.IsRequired,
			CanSkip:       step.CanSkip,
			Actions:       step.Actions,
			Status:        models.StepStatusPending,
			Assignee:      step.Assignee,
			EstimatedTime: step.EstimatedHours,
		})
	}

	return instances
}

func estimatedDuration(template *models.WorkflowTemplate) time.Duration {
	hours := template.EstimatedTime
	if hours <= 0 {
		for _, step := range template.Steps {
			hours += step.EstimatedHours
		}
	}

	return time.Duration(hours * float64(time.Hour))
}

func closeStep(step *models.WorkflowStepInstance, status models.StepStatus, now time.Time) {
	step.Status = status
	step.CompletedAt = &now

	if step.StartedAt != nil {
		step.ActualTime = now.Sub(*step.StartedAt).Hours()
	}
}

func addComment(step *models.WorkflowStepInstance, userID, text string, now time.Time) {
	step.Comments = append(step.Comments, models.Comment{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
	})
}

func hasAction(step *models.WorkflowStepInstance, actionType models.ActionType) bool {
	return slices.ContainsFunc(step.Actions, func(action *models.WorkflowAction) bool {
		return action != nil && action.Type == actionType
	})
}

func autoCompletes(stepType models.StepType) bool {
	switch stepType {
	case models.StepTypeAutomated, models.StepTypeNotification, models.StepTypeDocumentGeneration:
		return true
	default:
		return false
	}
}

// instanceRecipients is the creator plus every assignee, without duplicates.
func instanceRecipients(instance *models.WorkflowInstance) []string {
	recipients := slices.Clone(instance.Assignees)
	if instance.CreatedBy != "" && !slices.Contains(recipients, instance.CreatedBy) {
		recipients = append(recipients, instance.CreatedBy)
	}

	return recipients
}

// stepPayload is the evaluation context of a step's actions.
func stepPayload(instance *models.WorkflowInstance, step *models.WorkflowStepInstance) map[string]any {
	payload := maps.Clone(instance.Metadata)
	if payload == nil {
		payload = make(map[string]any, 6)
	}

	payload["instance_id"] = instance.ID
	payload["template_id"] = instance.TemplateID
	payload["subject_id"] = instance.SubjectID
	payload["step_id"] = step.StepID
	payload["step_type"] = string(step.Type)
	payload["assignee"] = step.Assignee

	return payload
}
