// Package web provides the HTTP handlers of the contract workflow API.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/templatedoc"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultInboxLimit = 20

// Inbox reads the notifications delivered to one user.
type Inbox interface {
	Inbox(ctx context.Context, userID string, limit int) ([]*models.WorkflowNotification, error)
}

type APIHandlers struct {
	templates *services.Templates
	instances *services.Instances
	approvals *services.Approvals
	metrics   *services.Metrics
	inbox     Inbox
	validator *validator.Validate
	logger    *slog.Logger
}

// NewAPIHandlers wires the handlers. inbox may be nil, in which case
// /notifications answers 501.
func NewAPIHandlers(
	logger *slog.Logger,
	templates *services.Templates,
	instances *services.Instances,
	approvals *services.Approvals,
	metrics *services.Metrics,
	inbox Inbox,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		templates: templates,
		instances: instances,
		approvals: approvals,
		metrics:   metrics,
		inbox:     inbox,
		validator: validator,
		logger:    logger.With("module", "web"),
	}
}

// Register mounts every API route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	t := router.Group("/templates")
	t.Get("/", h.GetTemplates)
	t.Post("/", h.CreateTemplate)
	t.Post("/import", h.ImportTemplate)
	t.Get("/:id", h.GetTemplate)
	t.Patch("/:id", h.UpdateTemplate)
	t.Delete("/:id", h.DeleteTemplate)

	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id", h.UpdateWorkflow)
	w.Post("/:id/start", h.StartWorkflow)
	w.Post("/:id/cancel", h.CancelWorkflow)
	w.Post("/:id/events", h.PublishEvent)
	w.Get("/:id/approvals", h.GetWorkflowApprovals)
	w.Post("/:id/steps/:stepId/:action", h.ExecuteStep)

	a := router.Group("/approvals")
	a.Get("/", h.GetApprovals)
	a.Post("/", h.CreateApproval)
	a.Get("/:id", h.GetApproval)
	a.Post("/:id/decisions", h.DecideApproval)

	router.Get("/metrics/workflows", h.GetWorkflowMetrics)
	router.Get("/dashboard", h.GetDashboard)
	router.Get("/notifications", h.GetNotifications)
	router.Get("/health", h.HealthCheck)
}

func userID(c fiber.Ctx) string {
	return strings.TrimSpace(c.Get(UserIDHeader))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	templatesCheck, templatesOk := h.templates.HealthCheck(c.Context())
	instancesCheck, instancesOk := h.instances.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Contractflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if templatesOk && instancesOk {
		status = "healthy"
		message = "Contractflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"templates": templatesCheck,
			"instances": instancesCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	var (
		templates []*models.WorkflowTemplate
		err       error
	)

	if contractType := c.Query("contract_type"); contractType != "" {
		templates, err = h.templates.ListByCategory(c.Context(), contractType)
	} else {
		templates, err = h.templates.List(c.Context())
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"templates":   templates,
		"total_count": len(templates),
	})
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	template, err := h.templates.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) CreateTemplate(c fiber.Ctx) error {
	var req CreateTemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.templates.Register(c.Context(), req.Template(userID(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// ImportTemplate registers a JSON or YAML template document. The format comes
// from the format query parameter or the Content-Type header.
func (h *APIHandlers) ImportTemplate(c fiber.Ctx) error {
	contentType, _, _ := strings.Cut(c.Get(fiber.HeaderContentType), ";")

	format, err := templatedoc.ParseFormat(c.Query("format", contentType))
	if err != nil {
		return badRequest(c, err.Error())
	}

	if len(c.Body()) == 0 {
		return badRequest(c, "Template document is required")
	}

	created, err := h.templates.Import(c.Context(), c.Body(), format)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateTemplate(c fiber.Ctx) error {
	var req UpdateTemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.templates.Update(c.Context(), c.Params("id"), req.Patch())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteTemplate(c fiber.Ctx) error {
	err := h.templates.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req, err := parseListWorkflowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instances.ListWorkflows(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":     result.Workflows,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

func parseListWorkflowsRequest(c fiber.Ctx) (*services.ListWorkflowsRequest, error) {
	req := &services.ListWorkflowsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.TemplateID = c.Query("template_id")
	req.SubjectID = c.Query("subject_id")
	req.Assignee = c.Query("assignee")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		req.Status = &status
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	instance, err := h.instances.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.instances.CreateWorkflow(c.Context(), services.CreateWorkflowRequest{
		TemplateID: req.TemplateID,
		SubjectID:  req.SubjectID,
		Title:      req.Title,
		Assignees:  req.Assignees,
		StartDate:  req.StartDate,
		CreatedBy:  userID(c),
		Metadata:   req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.instances.UpdateWorkflow(c.Context(), c.Params("id"), services.WorkflowPatch{
		Status:        req.Status,
		Title:         req.Title,
		Assignees:     req.Assignees,
		StepAssignees: req.StepAssignees,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	started, err := h.instances.StartWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(started)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	var req CancelWorkflowRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	cancelled, err := h.instances.CancelWorkflow(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(cancelled)
}

// ExecuteStep applies complete, skip, reassign or comment to a step on behalf
// of the caller named by the X-User-ID header.
func (h *APIHandlers) ExecuteStep(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return badRequest(c, UserIDHeader+" header is required")
	}

	var req StepActionRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	updated, err := h.instances.ExecuteStep(c.Context(), c.Params("id"), c.Params("stepId"), services.StepAction{
		Action:      services.StepActionKind(c.Params("action")),
		UserID:      user,
		Comment:     req.Comment,
		Assignee:    req.Assignee,
		Attachments: req.Attachments,
		Payload:     req.Payload,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) PublishEvent(c fiber.Ctx) error {
	var req DomainEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.instances.PublishDomainEvent(c.Context(), c.Params("id"), req.Trigger, req.Data)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetWorkflowApprovals(c fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.instances.GetWorkflow(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	requests, err := h.approvals.ListByInstance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"approvals": requests})
}

// GetApprovals lists pending approvals, optionally only those waiting on user_id.
func (h *APIHandlers) GetApprovals(c fiber.Ctx) error {
	if status := c.Query("status", string(models.ApprovalStatusPending)); status != string(models.ApprovalStatusPending) {
		return badRequest(c, "only status=pending can be listed")
	}

	requests, err := h.approvals.ListPending(c.Context(), c.Query("user_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"approvals":   requests,
		"total_count": len(requests),
	})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	request, err := h.approvals.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(request)
}

func (h *APIHandlers) CreateApproval(c fiber.Ctx) error {
	var req CreateApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.approvals.CreateApprovalRequest(c.Context(), services.ApprovalRequestInput{
		InstanceID:  req.InstanceID,
		StepID:      req.StepID,
		Title:       req.Title,
		Description: req.Description,
		RequestedBy: userID(c),
		Approvers:   req.Approvers,
		Documents:   req.Documents,
		Deadline:    req.Deadline,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) DecideApproval(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return badRequest(c, UserIDHeader+" header is required")
	}

	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	request, err := h.approvals.Decide(c.Context(), c.Params("id"), user, req.Decision, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(request)
}

func (h *APIHandlers) GetWorkflowMetrics(c fiber.Ctx) error {
	return c.JSON(h.metrics.ComputeMetrics(c.Context()))
}

func (h *APIHandlers) GetDashboard(c fiber.Ctx) error {
	return c.JSON(h.metrics.GetDashboardData(c.Context()))
}

// GetNotifications returns the caller's inbox, newest first.
func (h *APIHandlers) GetNotifications(c fiber.Ctx) error {
	if h.inbox == nil {
		return problem(c, fiber.StatusNotImplemented, "inbox_unavailable", "notification inbox is not configured")
	}

	user := userID(c)
	if user == "" {
		return badRequest(c, UserIDHeader+" header is required")
	}

	limit := defaultInboxLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = parsed
	}

	notifications, err := h.inbox.Inbox(c.Context(), user, limit)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to read inbox", "user_id", user, "error", err)

		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"notifications": notifications})
}
