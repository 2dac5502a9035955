package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/middleware"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/pkg/response"
)

// maxListLimit caps GET /api/jobs?limit=.
const maxListLimit = 100

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Create handles POST /api/jobs
//
// Multipart fields: file (required), startTime, bpm, seed, oneShot, voice.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "Audio file is required", fiber.Map{"file": "required"})
	}

	req, fieldErrs := parseCreateForm(c)
	if len(fieldErrs) > 0 {
		return response.ValidationError(c, "Invalid form fields", fieldErrs)
	}
	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	f, err := fh.Open()
	if err != nil {
		return response.ValidationError(c, "Unreadable audio file", nil)
	}
	defer f.Close()

	result, err := h.service.Create(c.UserContext(), &service.CreateJobInput{
		UserID:   middleware.GetUserID(c),
		FileName: fh.Filename,
		File:     f,
		Request:  *req,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidParams) {
			return response.ValidationError(c, err.Error(), nil)
		}
		h.logger.Error("failed to create job", zap.Error(err))
		return response.ServiceError(c, "Failed to create job")
	}

	return response.Accepted(c, result)
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	view, err := h.service.Get(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("failed to load job", zap.String(logging.FieldJobID, jobID), zap.Error(err))
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, view)
}

// List handles GET /api/jobs?status=a,b&limit=n
func (h *JobHandler) List(c *fiber.Ctx) error {
	opts := store.ListOptions{UserID: middleware.GetUserID(c)}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return response.ValidationError(c, "limit must be between 1 and 100", nil)
		}
		opts.Limit = limit
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := model.JobStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				return response.ValidationError(c, "Unknown status", fiber.Map{"status": string(status)})
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}

	result, err := h.service.List(c.UserContext(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		return response.ServiceError(c, "Failed to list jobs")
	}

	return response.OK(c, result)
}

// Authorize guards the websocket route: the job must exist and belong to
// the caller before the connection is upgraded.
func (h *JobHandler) Authorize(c *fiber.Ctx) error {
	if _, err := h.service.Get(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}
	return c.Next()
}

func parseCreateForm(c *fiber.Ctx) (*model.CreateJobRequest, map[string]string) {
	req := &model.CreateJobRequest{}
	errs := map[string]string{}

	if raw := strings.TrimSpace(c.FormValue("startTime")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err != nil {
			errs["startTime"] = "number"
		} else {
			req.StartTime = &v
		}
	}
	if raw := strings.TrimSpace(c.FormValue("bpm")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err != nil {
			errs["bpm"] = "number"
		} else {
			req.BPM = &v
		}
	}
	if raw := strings.TrimSpace(c.FormValue("seed")); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err != nil {
			errs["seed"] = "integer"
		} else {
			req.Seed = &v
		}
	}
	if raw := strings.TrimSpace(c.FormValue("oneShot")); raw != "" {
		if v, err := strconv.ParseBool(raw); err != nil {
			errs["oneShot"] = "boolean"
		} else {
			req.OneShot = v
		}
	}
	req.Voice = model.Voice(strings.ToLower(strings.TrimSpace(c.FormValue("voice"))))

	return req, errs
}
