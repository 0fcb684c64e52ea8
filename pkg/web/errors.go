package web

import (
	"github.com/dukex/contractflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service errors to problem responses. The problem type
// is the service error code.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsNotFoundError(err):
		return problem(c, fiber.StatusNotFound, codeOr(err, "not_found"), err.Error())

	case services.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, codeOr(err, "validation_error"), err.Error())

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, codeOr(err, "conflict"), err.Error())

	default:
		return internalError(c, err)
	}
}

func codeOr(err error, fallback string) string {
	code := services.ErrorCode(err)
	if code == "internal_error" {
		return fallback
	}

	return code
}
