package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/services"
	"github.com/dukex/flowcore/pkg/tasks"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const HistoryCountHeader = "X-HistoryCount"

type APIHandlers struct {
	executions  *services.Executions
	definitions *services.Definitions
	taskLists   *services.TaskLists
	scheduler   *tasks.Scheduler
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	executions *services.Executions,
	definitions *services.Definitions,
	taskLists *services.TaskLists,
	scheduler *tasks.Scheduler,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		executions:  executions,
		definitions: definitions,
		taskLists:   taskLists,
		scheduler:   scheduler,
		validator:   validator,
		logger:      logger,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	storeCheck, ok := h.executions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flow core is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Flow core is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// SetExecutionState applies a run/pause/cancel/stop command and answers with the resulting
// state as a JSON string.
func (h *APIHandlers) SetExecutionState(c fiber.Ctx) error {
	var query ExecutionIDQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	var req CommandRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	state, err := h.executions.ApplyCommand(c.Context(), query.ExecutionID, req.State)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(string(state))
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.validator.Var(id, "uuid"); err != nil {
		return badRequest(c, "Invalid execution id")
	}

	execution, err := h.executions.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	var query ExecutionsQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter := models.ExecutionFilter{
		JobID:    query.JobID,
		Workflow: query.Workflow,
	}

	if query.State != "" {
		state, err := models.ParseExState(query.State)
		if err != nil {
			return badRequest(c, err.Error())
		}

		filter.State = state
	}

	if query.After != "" {
		after, err := time.Parse(time.RFC3339, query.After)
		if err != nil {
			return badRequest(c, "Invalid after timestamp: "+err.Error())
		}

		filter.After = &after
	}

	summaries, err := h.executions.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	if summaries == nil {
		summaries = []models.ExecutionSummary{}
	}

	return c.JSON(summaries)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req models.WorkflowExecutionStarted
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	id, err := h.executions.Start(c.Context(), &req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(StartResponse{ExecutionID: id})
}

func (h *APIHandlers) SignalExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.validator.Var(id, "uuid"); err != nil {
		return badRequest(c, "Invalid execution id")
	}

	var signal models.WorkflowSignalled
	if err := c.Bind().JSON(&signal); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.executions.Signal(c.Context(), id, &signal)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetHistory(c fiber.Ctx) error {
	var query HistoryQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	page, err := h.executions.History(c.Context(), services.HistoryQuery{
		ExecutionID: query.ExecutionID,
		FromID:      query.FromID,
		For:         query.For,
		Signal:      query.Signal,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	events := page.Events
	if events == nil {
		events = []*models.HistoryEvent{}
	}

	c.Set(HistoryCountHeader, strconv.FormatInt(page.Count, 10))

	return c.JSON(events)
}

func (h *APIHandlers) GetVariables(c fiber.Ctx) error {
	var query ExecutionIDQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	variables, err := h.executions.Variables(c.Context(), query.ExecutionID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(variables)
}

// PollTask hands the next task of a list to a worker, or answers 204 when there is none.
func (h *APIHandlers) PollTask(c fiber.Ctx) error {
	var query PollQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.scheduler.PollWait(c.Context(), query.List, query.Worker, time.Duration(query.Wait)*time.Second)
	if err != nil {
		return handleServiceError(c, err)
	}

	if task == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(task)
}

func (h *APIHandlers) RespondTask(c fiber.Ctx) error {
	var response models.TaskResponse
	if err := c.Bind().JSON(&response); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(response); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.scheduler.Respond(c.Context(), c.Params("token"), &response)
	if err != nil {
		return handleServiceError(c, err)
	}

	if result == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	task, err := h.taskLists.Task(c.Context(), c.Params("token"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) ListTasks(c fiber.Ctx) error {
	list := c.Query("list")
	if list == "" {
		return badRequest(c, "list is required")
	}

	rows, err := h.taskLists.Tasks(c.Context(), list)
	if err != nil {
		return handleServiceError(c, err)
	}

	if rows == nil {
		rows = []*models.TaskRow{}
	}

	return c.JSON(rows)
}

func (h *APIHandlers) ListTaskLists(c fiber.Ctx) error {
	names, err := h.taskLists.Names(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	if names == nil {
		names = []string{}
	}

	return c.JSON(names)
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	ids, err := h.definitions.Workflows(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(nonNil(ids))
}

func (h *APIHandlers) ListWorkflowVersions(c fiber.Ctx) error {
	ids, err := h.definitions.WorkflowVersions(c.Context(), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(nonNil(ids))
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.definitions.Workflow(c.Context(), c.Params("name"), c.Params("version"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) PutWorkflow(c fiber.Ctx) error {
	var workflow models.WorkflowDefinition
	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.definitions.SaveWorkflow(c.Context(), &workflow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendString("OK")
}

// DeleteWorkflow removes one version, or every version when the route carries none.
func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.definitions.DeleteWorkflow(c.Context(), c.Params("name"), c.Params("version"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ListActivities(c fiber.Ctx) error {
	ids, err := h.definitions.Activities(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(nonNil(ids))
}

func (h *APIHandlers) ListActivityVersions(c fiber.Ctx) error {
	ids, err := h.definitions.ActivityVersions(c.Context(), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(nonNil(ids))
}

func (h *APIHandlers) GetActivity(c fiber.Ctx) error {
	activity, err := h.definitions.Activity(c.Context(), c.Params("name"), c.Params("version"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(activity)
}

func (h *APIHandlers) PutActivity(c fiber.Ctx) error {
	var activity models.ActivityDefinition
	if err := c.Bind().JSON(&activity); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.definitions.SaveActivity(c.Context(), c.Params("name"), c.Params("version"), &activity)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendString("OK")
}

func (h *APIHandlers) GetWorkflowConfig(c fiber.Ctx) error {
	var query WorkflowConfigQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	config, err := h.definitions.WorkflowConfig(c.Context(), query.WorkflowName, query.WorkflowVersion)
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return c.Send(config.JSON)
}

func (h *APIHandlers) PutWorkflowConfig(c fiber.Ctx) error {
	var query WorkflowConfigQuery
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, err.Error())
	}

	if !json.Valid(c.Body()) {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.definitions.SaveWorkflowConfig(c.Context(), query.WorkflowName, query.WorkflowVersion, append([]byte(nil), c.Body()...))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendString("OK")
}

func nonNil(ids []models.DefinitionID) []models.DefinitionID {
	if ids == nil {
		return []models.DefinitionID{}
	}

	return ids
}
