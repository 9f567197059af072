// Package web provides the HTTP handlers of the engine API.
package web

// CommandRequest changes the state of an execution.
type CommandRequest struct {
	State string `json:"state" validate:"required"`
}

// ExecutionIDQuery is the executionid query parameter shared by several routes.
type ExecutionIDQuery struct {
	ExecutionID string `query:"executionid" validate:"required,uuid"`
}

type HistoryQuery struct {
	ExecutionID string `query:"executionid" validate:"required,uuid"`
	FromID      int64  `query:"fromid"      validate:"min=0"`
	For         int    `query:"for"         validate:"min=0"`
	Signal      string `query:"signal"`
}

type PollQuery struct {
	List   string `query:"list"   validate:"required"`
	Worker string `query:"worker" validate:"required"`
	// Wait is the long-poll budget in seconds.
	Wait int `query:"wait" validate:"min=0,max=60"`
}

type ExecutionsQuery struct {
	JobID    string `query:"jobid"`
	Workflow string `query:"workflow"`
	After    string `query:"after"`
	State    string `query:"state"`
}

type WorkflowConfigQuery struct {
	WorkflowName    string `query:"workflowname"    validate:"required"`
	WorkflowVersion string `query:"workflowversion"`
}

// StartResponse is returned by a successful workflow start.
type StartResponse struct {
	ExecutionID string `json:"executionId"`
}
