package services_test

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWorkflow_ActivatesFirstStepOnly(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)

	instance := h.create(t, template.ID)

	assert.Equal(t, models.WorkflowStatusDraft, instance.Status)
	assert.Equal(t, 0, instance.Progress)
	assert.Equal(t, 0, instance.CurrentStep)
	assert.Equal(t, map[string]models.StepStatus{
		"step-1": models.StepStatusActive,
		"step-2": models.StepStatusPending,
		"step-3": models.StepStatusPending,
	}, stepStatuses(instance))
	assert.Equal(t, start.Add(72*time.Hour), instance.EstimatedEndDate)
	assert.Equal(t, "rental", instance.Metadata["contract_type"])
	assert.Equal(t, template.Version, instance.TemplateVersion)

	assigned := h.sink.OfType(models.NotificationTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, []string{"alice"}, assigned[0].Recipients)
	assert.Contains(t, h.published.Types(), events.WorkflowCreatedEvent)
}

func TestCreateWorkflow_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.instances.CreateWorkflow(t.Context(), services.CreateWorkflowRequest{TemplateID: "missing"})
	require.ErrorIs(t, err, services.ErrTemplateNotFound)
	assert.True(t, services.IsNotFoundError(err))

	_, err = h.instances.CreateWorkflow(t.Context(), services.CreateWorkflowRequest{})
	require.ErrorIs(t, err, services.ErrValidation)

	inactive := h.register(t, testutil.Inactive())

	_, err = h.instances.CreateWorkflow(t.Context(), services.CreateWorkflowRequest{TemplateID: inactive.ID})
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestCreateWorkflow_EstimatedEndFallsBackToStepHours(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, func(tpl *models.WorkflowTemplate) { tpl.EstimatedTime = 0 })

	begin := start.Add(24 * time.Hour)

	instance, err := h.instances.CreateWorkflow(t.Context(), services.CreateWorkflowRequest{
		TemplateID: template.ID,
		StartDate:  &begin,
	})
	require.NoError(t, err)

	assert.Equal(t, begin, instance.StartDate)
	assert.Equal(t, begin.Add(24*time.Hour), instance.EstimatedEndDate, "three steps of eight hours")
	assert.Equal(t, template.Name, instance.Title)
}

func TestExecuteStep_SequentialCompletion(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	instance = h.complete(t, instance.ID, "step-1")
	assert.Equal(t, 33, instance.Progress)
	assert.Equal(t, models.WorkflowStatusActive, instance.Status)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("step-2").Status)
	assert.Equal(t, 1, instance.CurrentStep)

	instance = h.complete(t, instance.ID, "step-2")
	assert.Equal(t, 67, instance.Progress)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("step-3").Status)

	h.clock.Advance(5 * time.Hour)

	instance = h.complete(t, instance.ID, "step-3")
	assert.Equal(t, 100, instance.Progress)
	assert.Equal(t, models.WorkflowStatusCompleted, instance.Status)
	require.NotNil(t, instance.ActualEndDate)
	assert.Equal(t, start.Add(5*time.Hour), *instance.ActualEndDate)
	assert.InDelta(t, 5.0, instance.FindStep("step-3").ActualTime, 0.001)

	assert.Len(t, h.published.OfType(events.StepCompletedEvent), 3)
	assert.Len(t, h.published.OfType(events.WorkflowCompletedEvent), 1)
	assert.Len(t, h.sink.OfType(models.NotificationWorkflowCompleted), 1)
}

func TestExecuteStep_PendingStepIsNotActive(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	_, err := h.instances.ExecuteStep(t.Context(), instance.ID, "step-2", services.StepAction{Action: services.StepComplete})
	require.ErrorIs(t, err, services.ErrStepNotActive)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, "step-2", services.EntityID(err))

	stored := h.get(t, instance.ID)
	assert.Equal(t, stepStatuses(instance), stepStatuses(stored), "a rejected transition must not change state")
	assert.Equal(t, instance.Progress, stored.Progress)
	assert.Equal(t, instance.UpdatedAt, stored.UpdatedAt)
}

func TestExecuteStep_Skip(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, testutil.WithSteps(
		testutil.CreateTestStep("draft", 1),
		testutil.CreateTestStep("review", 2, testutil.WithDependencies("draft"), testutil.Skippable()),
		testutil.CreateTestStep("sign", 3, testutil.WithDependencies("review")),
	))
	instance := h.create(t, template.ID)

	_, err := h.instances.ExecuteStep(t.Context(), instance.ID, "draft", services.StepAction{Action: services.StepSkip})
	require.ErrorIs(t, err, services.ErrStepNotSkippable)

	h.complete(t, instance.ID, "draft")

	instance, err = h.instances.ExecuteStep(t.Context(), instance.ID, "review", services.StepAction{Action: services.StepSkip})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSkipped, instance.FindStep("review").Status)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("sign").Status, "skipped steps satisfy dependencies")
	assert.Equal(t, 67, instance.Progress)
}

func TestExecuteStep_CommentAndReassign(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	instance, err := h.instances.ExecuteStep(t.Context(), instance.ID, "step-3", services.StepAction{
		Action:  services.StepComment,
		UserID:  "bob",
		Comment: "check clause 4",
	})
	require.NoError(t, err)

	step := instance.FindStep("step-3")
	assert.Equal(t, models.StepStatusPending, step.Status)
	require.Len(t, step.Comments, 1)
	assert.Equal(t, "bob", step.Comments[0].UserID)
	assert.Equal(t, start, step.Comments[0].CreatedAt)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: services.StepComment})
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: services.StepReassign})
	require.ErrorIs(t, err, services.ErrValidation)

	instance, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{
		Action:   services.StepReassign,
		UserID:   "alice",
		Assignee: "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, "carol", instance.FindStep("step-1").Assignee)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("step-1").Status)

	assigned := h.sink.OfType(models.NotificationTaskAssigned)
	assert.Equal(t, []string{"carol"}, assigned[len(assigned)-1].Recipients)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "nope", services.StepAction{Action: services.StepComplete})
	require.ErrorIs(t, err, services.ErrStepNotFound)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: "archive"})
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestExecuteStep_PayloadAndAttachments(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	instance, err := h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{
		Action:      services.StepComplete,
		Attachments: []string{"s3://leases/42.pdf"},
		Payload:     map[string]any{"rent": 1200.0},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"s3://leases/42.pdf"}, instance.FindStep("step-1").Attachments)
	assert.InDelta(t, 1200.0, instance.Metadata["rent"], 0)
}

func TestWorkflowLifecycle_StartPauseCancel(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	instance, err := h.instances.StartWorkflow(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, instance.Status)

	_, err = h.instances.StartWorkflow(t.Context(), instance.ID)
	require.NoError(t, err, "starting an active workflow is a no-op")

	paused := models.WorkflowStatusPaused

	_, err = h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{Status: &paused})
	require.NoError(t, err)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: services.StepComplete})
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = h.instances.StartWorkflow(t.Context(), instance.ID)
	require.ErrorIs(t, err, services.ErrInstanceNotDraft)

	completed := models.WorkflowStatusCompleted

	_, err = h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{Status: &completed})
	require.ErrorIs(t, err, services.ErrValidation)

	bogus := models.WorkflowStatus("archived")

	_, err = h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{Status: &bogus})
	require.ErrorIs(t, err, services.ErrValidation)

	instance, err = h.instances.CancelWorkflow(t.Context(), instance.ID, "tenant withdrew")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, instance.Status)
	assert.Equal(t, "tenant withdrew", instance.Metadata["cancel_reason"])

	active := models.WorkflowStatusActive

	_, err = h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{Status: &active})
	require.ErrorIs(t, err, services.ErrInstanceTerminal)

	_, err = h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: services.StepComment, Comment: "late"})
	require.ErrorIs(t, err, services.ErrInstanceTerminal)

	_, err = h.instances.StartWorkflow(t.Context(), instance.ID)
	require.ErrorIs(t, err, services.ErrInstanceTerminal)

	changes := h.published.OfType(events.WorkflowStatusEvent)
	require.Len(t, changes, 3)

	last, ok := changes[2].(events.WorkflowStatusChanged)
	require.True(t, ok)
	assert.Equal(t, models.WorkflowStatusPaused, last.From)
	assert.Equal(t, models.WorkflowStatusCancelled, last.To)
}

func TestUpdateWorkflow_FieldsAndStepAssignees(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	title := "Lease 42 (renewal)"

	instance, err := h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{
		Title:         &title,
		Assignees:     []string{"alice", "dave"},
		StepAssignees: map[string]string{"step-2": "erin"},
		Metadata:      map[string]any{"priority": "high"},
	})
	require.NoError(t, err)

	assert.Equal(t, title, instance.Title)
	assert.Equal(t, []string{"alice", "dave"}, instance.Assignees)
	assert.Equal(t, "erin", instance.FindStep("step-2").Assignee)
	assert.Equal(t, "high", instance.Metadata["priority"])

	_, err = h.instances.UpdateWorkflow(t.Context(), instance.ID, services.WorkflowPatch{
		Title:         &title,
		StepAssignees: map[string]string{"ghost": "erin"},
	})
	require.ErrorIs(t, err, services.ErrStepNotFound)

	_, err = h.instances.UpdateWorkflow(t.Context(), "missing", services.WorkflowPatch{Title: &title})
	require.ErrorIs(t, err, services.ErrInstanceNotFound)
}

func TestListWorkflows(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)

	for range 3 {
		h.create(t, template.ID)
		h.clock.Advance(time.Minute)
	}

	result, err := h.instances.ListWorkflows(t.Context(), services.ListWorkflowsRequest{Limit: 2, TemplateID: template.ID})
	require.NoError(t, err)
	assert.Len(t, result.Workflows, 2)
	assert.Equal(t, int64(3), result.TotalCount)
	assert.True(t, result.HasNextPage)

	_, err = h.instances.ListWorkflows(t.Context(), services.ListWorkflowsRequest{SortBy: "password"})
	require.ErrorIs(t, err, services.ErrInvalidSortField)
	assert.True(t, services.IsValidationError(err))

	bogus := models.WorkflowStatus("bogus")

	_, err = h.instances.ListWorkflows(t.Context(), services.ListWorkflowsRequest{Status: &bogus})
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestAutomatedStep_RunsActionsAndCompletes(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, testutil.WithSteps(
		testutil.CreateTestStep("draft", 1),
		testutil.CreateTestStep("announce", 2,
			testutil.WithDependencies("draft"),
			testutil.WithStepType(models.StepTypeNotification),
			testutil.WithActions(testutil.NotifyAction("Draft ready", "legal")),
		),
		testutil.CreateTestStep("sign", 3, testutil.WithDependencies("announce")),
	))
	instance := h.create(t, template.ID)

	instance = h.complete(t, instance.ID, "draft")

	assert.Equal(t, models.StepStatusCompleted, instance.FindStep("announce").Status)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("sign").Status)

	var titles []string
	for _, notification := range h.sink.All() {
		titles = append(titles, notification.Title)
	}

	assert.Contains(t, titles, "Draft ready")
}

func TestStepActionFailure_MarksStepErrorAndMovesOn(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, testutil.WithSteps(
		testutil.CreateTestStep("draft", 1),
		testutil.CreateTestStep("email", 2,
			testutil.WithDependencies("draft"),
			testutil.WithStepType(models.StepTypeAutomated),
			testutil.Optional(),
			testutil.WithActions(&models.WorkflowAction{
				Type:      models.ActionSendEmail,
				SendEmail: &models.SendEmailParams{Subject: "no recipients"},
			}),
		),
		testutil.CreateTestStep("sign", 3, testutil.WithDependencies("draft")),
	))
	instance := h.create(t, template.ID)

	instance = h.complete(t, instance.ID, "draft")

	email := instance.FindStep("email")
	assert.Equal(t, models.StepStatusError, email.Status)
	assert.NotEmpty(t, email.Error)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("sign").Status)
	assert.Equal(t, models.WorkflowStatusActive, instance.Status, "an errored optional step does not halt the workflow")

	instance = h.complete(t, instance.ID, "sign")
	assert.Equal(t, models.WorkflowStatusCompleted, instance.Status)
	assert.Equal(t, 100, instance.Progress)
}

func TestStepActionFailure_RequiredStepHaltsWorkflow(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, testutil.WithSteps(
		testutil.CreateTestStep("draft", 1),
		testutil.CreateTestStep("email", 2,
			testutil.WithDependencies("draft"),
			testutil.WithStepType(models.StepTypeAutomated),
			testutil.WithActions(&models.WorkflowAction{
				Type:      models.ActionSendEmail,
				SendEmail: &models.SendEmailParams{Subject: "no recipients"},
			}),
		),
		testutil.CreateTestStep("sign", 3, testutil.WithDependencies("email")),
	))
	instance := h.create(t, template.ID)

	instance = h.complete(t, instance.ID, "draft")

	assert.Equal(t, models.StepStatusError, instance.FindStep("email").Status)
	assert.Equal(t, models.StepStatusPending, instance.FindStep("sign").Status)
	assert.Equal(t, models.WorkflowStatusError, instance.Status)
}

func TestMaterializedOrderFollowsTemplateOrder(t *testing.T) {
	h := newHarness(t)
	template := h.register(t, testutil.WithSteps(
		testutil.CreateTestStep("c", 30, testutil.WithDependencies("a")),
		testutil.CreateTestStep("a", 10),
		testutil.CreateTestStep("b", 20),
	))

	instance := h.create(t, template.ID)

	orders := make([]int, 0, len(instance.Steps))
	for _, step := range instance.Steps {
		orders = append(orders, step.Order)
	}

	assert.Equal(t, []int{10, 20, 30}, orders)
	assert.Equal(t, models.StepStatusActive, instance.Steps[0].Status)
}

// randomTemplate builds an acyclic, order-respecting step graph with n steps.
func randomTemplate(rng *rand.Rand, n int) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, n)

	for i := range n {
		var overrides []func(*models.WorkflowStep)

		var deps []string

		for j := range i {
			if rng.IntN(3) == 0 {
				deps = append(deps, fmt.Sprintf("s%d", j))
			}
		}

		if len(deps) > 0 {
			overrides = append(overrides, testutil.WithDependencies(deps...))
		}

		if i > 0 && rng.IntN(3) == 0 {
			overrides = append(overrides, testutil.Skippable())
		}

		if rng.IntN(4) == 0 {
			overrides = append(overrides, testutil.Optional())
		}

		steps = append(steps, testutil.CreateTestStep(fmt.Sprintf("s%d", i), (i+1)*10, overrides...))
	}

	rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

	return steps
}

func TestProperty_RandomDAGsRespectDependencies(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))

	for round := range 25 {
		t.Run(fmt.Sprintf("dag-%d", round), func(t *testing.T) {
			h := newHarness(t)
			template := h.register(t, testutil.WithSteps(randomTemplate(rng, 2+rng.IntN(7))...))
			instance := h.create(t, template.ID)

			orders := make([]int, 0, len(instance.Steps))
			for _, step := range instance.Steps {
				orders = append(orders, step.Order)
			}

			require.True(t, slices.IsSorted(orders))

			progress := instance.Progress

			for instance.Status != models.WorkflowStatusCompleted {
				active := instance.ActiveStep()
				require.NotNil(t, active, "a running workflow always has an active step")
				require.True(t, instance.DependenciesSatisfied(active))

				count := 0
				for _, step := range instance.Steps {
					if step.Status == models.StepStatusActive {
						count++
					}
				}

				require.Equal(t, 1, count)

				action := services.StepComplete
				if active.CanSkip && rng.IntN(2) == 0 {
					action = services.StepSkip
				}

				next, err := h.instances.ExecuteStep(t.Context(), instance.ID, active.StepID, services.StepAction{Action: action})
				require.NoError(t, err)
				require.GreaterOrEqual(t, next.Progress, progress)

				progress = next.Progress
				instance = next

				if instance.Status != models.WorkflowStatusCompleted {
					require.Less(t, instance.Progress, 100)
				}
			}

			assert.Equal(t, 100, instance.Progress)
			assert.True(t, instance.RequiredStepsSatisfied())
		})
	}
}

func TestConcurrentCompletionsAreSerialized(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := h.instances.ExecuteStep(t.Context(), instance.ID, "step-1", services.StepAction{Action: services.StepComplete})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case services.IsConflictError(err):
				conflicts++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 9, conflicts)

	instance = h.get(t, instance.ID)
	assert.Equal(t, 33, instance.Progress)
	assert.Equal(t, models.StepStatusActive, instance.FindStep("step-2").Status)
}

func TestNotifyDeadlines(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)
	h.complete(t, instance.ID, "step-1")

	notified, err := h.instances.NotifyDeadlines(t.Context(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, notified, "deadline still far away")

	now := h.clock.Advance(60 * time.Hour)

	notified, err = h.instances.NotifyDeadlines(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	approaching := h.sink.OfType(models.NotificationDeadlineApproaching)
	require.Len(t, approaching, 1)
	assert.ElementsMatch(t, []string{"alice", "owner"}, approaching[0].Recipients)

	notified, err = h.instances.NotifyDeadlines(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, notified, "notified once")

	now = h.clock.Advance(13 * time.Hour)

	notified, err = h.instances.NotifyDeadlines(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.Len(t, h.sink.OfType(models.NotificationOverdue), 1)

	var reached int

	for _, event := range h.published.OfType(events.DomainEventType) {
		if domain, ok := event.(events.DomainEvent); ok && domain.Trigger == models.TriggerDateReached {
			reached++
		}
	}

	assert.Equal(t, 1, reached)

	notified, err = h.instances.NotifyDeadlines(t.Context(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
}

func TestPublishDomainEvent_AttachesUploadedDocument(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)
	instance := h.create(t, template.ID)

	err := h.instances.PublishDomainEvent(t.Context(), instance.ID, models.TriggerDocumentUploaded,
		map[string]any{"document": "s3://leases/42-signed.pdf"})
	require.NoError(t, err)

	instance = h.get(t, instance.ID)
	assert.Equal(t, []string{"s3://leases/42-signed.pdf"}, instance.FindStep("step-1").Attachments)

	err = h.instances.PublishDomainEvent(t.Context(), instance.ID, "", nil)
	require.ErrorIs(t, err, services.ErrValidation)

	err = h.instances.PublishDomainEvent(t.Context(), "missing", models.TriggerDocumentUploaded, nil)
	require.ErrorIs(t, err, services.ErrInstanceNotFound)
}
