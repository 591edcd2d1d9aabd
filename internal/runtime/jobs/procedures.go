package jobs

import (
	"encoding/json"
	"time"

	"github.com/drblury/procbus/internal/runtime/contract"
)

// InterfaceName groups the scheduler procedures.
const InterfaceName = "jobs"

// HandlerInterface is the interface job handlers are registered under; the
// procedure name is the job type.
const HandlerInterface = "job"

// CreateRequest enqueues a job.
type CreateRequest struct {
	Type             string          `json:"type"`
	Data             json.RawMessage `json:"data,omitempty"`
	Title            string          `json:"title,omitempty"`
	LimitClass       string          `json:"limitClass,omitempty"`
	MaxRetries       int             `json:"maxRetries,omitempty"`
	RetryDelay       *int            `json:"retryDelay,omitempty"`
	ConcurrencyLimit *int            `json:"concurrencyLimit,omitempty"`
	Ratelimit        *int            `json:"ratelimit,omitempty"`
	RatelimitPeriod  *int            `json:"ratelimitPeriod,omitempty"`
	DelayedUntil     *time.Time      `json:"delayedUntil,omitempty"`
	TriggeredBy      string          `json:"triggeredBy,omitempty"`
}

// IDRequest addresses one job.
type IDRequest struct {
	ID string `json:"id"`
}

// PollRequest asks for up to Limit claims; zero means the batch size.
type PollRequest struct {
	Limit int `json:"limit,omitempty"`
}

// PollResult lists the ids claimed by one poll.
type PollResult struct {
	Claimed []string `json:"claimed"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListQuery filters and paginates List.
type ListQuery struct {
	State      State  `json:"state,omitempty"`
	Type       string `json:"type,omitempty"`
	LimitClass string `json:"limitClass,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

func (q ListQuery) normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Page is one page of List, newest jobs first.
type Page struct {
	Jobs   []Job `json:"jobs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func stateSchema() *contract.Schema {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return contract.Enum(names...)
}

var (
	positiveInt  = contract.Integer().Min(0)
	timestamp    = contract.String()
	idSchema     = contract.Struct(contract.Required("id", contract.String().MinLen(1)))
	jobTypeField = contract.String().MinLen(1).Pattern(`^[^:]+$`)

	// JobSchema describes Job on the wire.
	JobSchema = contract.Struct(
		contract.Required("id", contract.String()),
		contract.Required("type", contract.String()),
		contract.Required("title", contract.String()),
		contract.Required("limitClass", contract.String()),
		contract.Required("state", stateSchema()),
		contract.Optional("data", contract.Any()),
		contract.Optional("result", contract.Any()),
		contract.Optional("lastError", contract.String()),
		contract.Required("createdAt", timestamp),
		contract.Optional("startedAt", timestamp),
		contract.Optional("finishedAt", timestamp),
		contract.Optional("delayedUntil", timestamp),
		contract.Required("retries", positiveInt),
		contract.Required("maxRetries", positiveInt),
		contract.Required("retryDelay", positiveInt),
		contract.Optional("concurrencyLimit", contract.Integer().Min(1)),
		contract.Optional("ratelimit", contract.Integer().Min(1)),
		contract.Optional("ratelimitPeriod", contract.Integer().Min(1)),
		contract.Required("progress", contract.Number().Min(0).Max(1)),
		contract.Optional("triggeredBy", contract.String()),
		contract.Optional("lockId", contract.String()),
		contract.Required("concurrency", positiveInt),
		contract.Required("rate", positiveInt),
		contract.Optional("nextPoll", timestamp),
	)

	CreateRequestSchema = contract.Struct(
		contract.Required("type", jobTypeField),
		contract.Optional("data", contract.Any()),
		contract.Optional("title", contract.String()),
		contract.Optional("limitClass", contract.String()),
		contract.Optional("maxRetries", positiveInt),
		contract.Optional("retryDelay", positiveInt),
		contract.Optional("concurrencyLimit", contract.Integer().Min(1)),
		contract.Optional("ratelimit", contract.Integer().Min(1)),
		contract.Optional("ratelimitPeriod", contract.Integer().Min(1)),
		contract.Optional("delayedUntil", timestamp),
		contract.Optional("triggeredBy", contract.String()),
	)

	ListQuerySchema = contract.Struct(
		contract.Optional("state", stateSchema()),
		contract.Optional("type", contract.String()),
		contract.Optional("limitClass", contract.String()),
		contract.Optional("limit", positiveInt),
		contract.Optional("offset", positiveInt),
	)

	PageSchema = contract.Struct(
		contract.Required("jobs", contract.Array(JobSchema)),
		contract.Required("total", positiveInt),
		contract.Required("limit", positiveInt),
		contract.Required("offset", positiveInt),
	)
)

// The scheduler procedures.
var (
	PollProcedure = contract.DefineProcedure[PollRequest, PollResult](InterfaceName, "poll",
		contract.Struct(contract.Optional("limit", positiveInt)),
		contract.Struct(contract.Required("claimed", contract.Array(contract.String()))))

	ExecuteProcedure = contract.DefineProcedure[IDRequest, *Job](InterfaceName, "execute",
		idSchema, contract.Nullable(JobSchema))

	CreateProcedure = contract.DefineProcedure[CreateRequest, string](InterfaceName, "create",
		CreateRequestSchema, contract.String())

	GetProcedure = contract.DefineProcedure[IDRequest, *Job](InterfaceName, "get",
		idSchema, contract.Nullable(JobSchema))

	ListProcedure = contract.DefineProcedure[ListQuery, Page](InterfaceName, "list",
		ListQuerySchema, PageSchema)

	RetryProcedure = contract.DefineProcedure[IDRequest, *Job](InterfaceName, "retry",
		idSchema, JobSchema)

	TerminateProcedure = contract.DefineProcedure[IDRequest, *Job](InterfaceName, "terminate",
		idSchema, JobSchema)

	Interface = contract.MustDefineInterface(InterfaceName,
		PollProcedure, ExecuteProcedure, CreateProcedure, GetProcedure,
		ListProcedure, RetryProcedure, TerminateProcedure)
)

// HandlerProcedure is the procedure a job type is executed through.
func HandlerProcedure[P, R any](jobType string, payload, result *contract.Schema) contract.Procedure[P, R] {
	return contract.DefineProcedure[P, R](HandlerInterface, jobType, payload, result)
}

// HandlerName is the fully-qualified name of the handler for jobType.
func HandlerName(jobType string) string {
	return contract.FullName(HandlerInterface, "", jobType)
}
