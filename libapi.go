package procbus

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/procbus/internal/runtime"
	configpkg "github.com/drblury/procbus/internal/runtime/config"
	contractpkg "github.com/drblury/procbus/internal/runtime/contract"
	databasepkg "github.com/drblury/procbus/internal/runtime/database"
	errspkg "github.com/drblury/procbus/internal/runtime/errors"
	idspkg "github.com/drblury/procbus/internal/runtime/ids"
	jobspkg "github.com/drblury/procbus/internal/runtime/jobs"
	jsoncodec "github.com/drblury/procbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/procbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/procbus/internal/runtime/metadata"
	servicepkg "github.com/drblury/procbus/internal/runtime/service"
	transportpkg "github.com/drblury/procbus/internal/runtime/transport"
	newtransport "github.com/drblury/procbus/transport"
)

type (
	Config              = configpkg.Config
	DatabaseConfig      = configpkg.DatabaseConfig
	OutboxConfig        = configpkg.OutboxConfig
	SchedulerConfig     = configpkg.SchedulerConfig
	LogConfig           = configpkg.LogConfig
	Service             = servicepkg.Service
	ServiceDependencies = servicepkg.Dependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Contracts
	Schema                = contractpkg.Schema
	Field                 = contractpkg.Field
	ValidationError       = contractpkg.ValidationError
	Failure               = contractpkg.Failure
	Procedure[P, R any]   = contractpkg.Procedure[P, R]
	ProcedureDescriptor   = contractpkg.ProcedureDescriptor
	Event[P any]          = contractpkg.Event[P]
	EventDescriptor       = contractpkg.EventDescriptor
	Interface             = contractpkg.Interface
	ProcedureDescriber    = contractpkg.Describer
	DecodeError           = runtimepkg.DecodeError
	NoHandlerError        = runtimepkg.NoHandlerError
	DuplicateHandlerError = runtimepkg.DuplicateHandlerError
	ConfigValidationError = errspkg.ConfigValidationError
	PayloadDirection      = runtimepkg.Direction
	ErrorClassifier       = runtimepkg.ErrorClassifier
	ErrorCategory         = runtimepkg.ErrorCategory
	TransportCapabilities = newtransport.Capabilities
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportFactoryFunc  = transportpkg.FactoryFunc

	// Bus and execution contexts
	Bus           = runtimepkg.Bus
	BusOptions    = runtimepkg.BusOptions
	BusProvider   = runtimepkg.BusProvider
	Context       = runtimepkg.Context
	ContextOption = runtimepkg.ContextOption
	Caller        = runtimepkg.Caller
	HandlerOption = runtimepkg.HandlerOption
	RawHandler    = runtimepkg.RawHandler
	ProcedureInfo = runtimepkg.ProcedureInfo
	EventInfo     = runtimepkg.EventInfo

	// Outbox
	Outbox        = runtimepkg.Outbox
	OutboxOptions = runtimepkg.OutboxOptions
	Envelope      = runtimepkg.Envelope
	LostEvent     = runtimepkg.LostEvent

	// Store
	DB        = databasepkg.DB
	Tx        = databasepkg.Tx
	DBOptions = databasepkg.Options
	HookError = databasepkg.HookError

	// Jobs
	Job              = jobspkg.Job
	JobState         = jobspkg.State
	Scheduler        = jobspkg.Scheduler
	SchedulerOptions = jobspkg.Options
	JobClient        = jobspkg.Client
	CreateJobRequest = jobspkg.CreateRequest
	JobListQuery     = jobspkg.ListQuery
	JobPage          = jobspkg.Page
	JobOption        = jobspkg.CreateOption
	RetryBackoff     = jobspkg.RetryBackoff

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Metrics  = runtimepkg.Metrics
	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogOptions    = loggingpkg.Options
)

var (
	NewService     = servicepkg.New
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	LoadEnv        = configpkg.LoadEnv

	NewBus         = runtimepkg.NewBus
	NewOutbox      = runtimepkg.NewOutbox
	NewMetrics     = runtimepkg.NewMetrics
	NewScheduler   = jobspkg.New
	NewJobClient   = jobspkg.NewClient
	OpenDB         = databasepkg.Open
	WrapDB         = databasepkg.Wrap
	FromContext    = runtimepkg.FromContext
	CurrentJobID   = jobspkg.CurrentJobID
	ReportProgress = jobspkg.ReportProgress
	JobHandlerName = jobspkg.HandlerName

	WithSession        = runtimepkg.WithSession
	WithJobID          = runtimepkg.WithJobID
	WithCorrelationID  = runtimepkg.WithCorrelationID
	WithSpanName       = runtimepkg.WithSpanName
	WithSpanAttributes = runtimepkg.WithSpanAttributes
	WithConsumer       = runtimepkg.WithConsumer
	AllowOverride      = runtimepkg.AllowOverride

	WithTitle            = jobspkg.WithTitle
	WithLimitClass       = jobspkg.WithLimitClass
	WithRetries          = jobspkg.WithRetries
	WithConcurrencyLimit = jobspkg.WithConcurrencyLimit
	WithRatelimit        = jobspkg.WithRatelimit
	WithDelayUntil       = jobspkg.WithDelayUntil
	WithTriggeredBy      = jobspkg.WithTriggeredBy

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	IsContractError        = runtimepkg.IsContractError
	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier

	// Schema constructors
	String      = contractpkg.String
	Number      = contractpkg.Number
	Integer     = contractpkg.Integer
	Boolean     = contractpkg.Boolean
	Null        = contractpkg.Null
	Any         = contractpkg.Any
	Literal     = contractpkg.Literal
	Enum        = contractpkg.Enum
	Struct      = contractpkg.Struct
	Required    = contractpkg.Required
	Optional    = contractpkg.Optional
	Array       = contractpkg.Array
	Union       = contractpkg.Union
	Nullable    = contractpkg.Nullable
	Record      = contractpkg.Record
	ProtoSchema = contractpkg.Proto

	DefineInterface     = contractpkg.DefineInterface
	MustDefineInterface = contractpkg.MustDefineInterface
	FullName            = contractpkg.FullName

	// Transport registry
	GetCapabilities         = newtransport.GetCapabilities
	RegisterTransport       = newtransport.Register
	BuildTransport          = newtransport.Build
	DefaultTransportFactory = transportpkg.DefaultFactory

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrBusRequired             = errspkg.ErrBusRequired
	ErrDatabaseRequired        = errspkg.ErrDatabaseRequired
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrHandlerRequired         = errspkg.ErrHandlerRequired
	ErrProcedureRequired       = errspkg.ErrProcedureRequired
	ErrEventRequired           = errspkg.ErrEventRequired
	ErrDuplicateHandler        = errspkg.ErrDuplicateHandler
	ErrNoHandler               = errspkg.ErrNoHandler
	ErrDecode                  = errspkg.ErrDecode
	ErrSubscriberFailed        = errspkg.ErrSubscriberFailed
	ErrContextFinished         = errspkg.ErrContextFinished
	ErrTxDone                  = errspkg.ErrTxDone
	ErrJobNotFound             = errspkg.ErrJobNotFound
	ErrInvalidJobState         = errspkg.ErrInvalidJobState
	ErrClaimLost               = errspkg.ErrClaimLost
	ErrJobTerminated           = errspkg.ErrJobTerminated
	ErrOutboxPublishFailed     = errspkg.ErrOutboxPublishFailed
	ErrUnsupportedDialect      = errspkg.ErrUnsupportedDialect
	ErrJobTypeRequired         = errspkg.ErrJobTypeRequired
	ErrRatelimitPeriodRequired = errspkg.ErrRatelimitPeriodRequired
	ErrProgressOutOfRange      = errspkg.ErrProgressOutOfRange
	ErrNotInJob                = errspkg.ErrNotInJob

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Job states.
const (
	JobWaiting    = jobspkg.StateWaiting
	JobScheduled  = jobspkg.StateScheduled
	JobProcessing = jobspkg.StateProcessing
	JobSucceeded  = jobspkg.StateSucceeded
	JobFailed     = jobspkg.StateFailed

	BackoffFixed       = jobspkg.BackoffFixed
	BackoffExponential = jobspkg.BackoffExponential
)

// Metadata keys carried by every published event.
const (
	MetadataKeyEventName     = metadatapkg.KeyEventName
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyTraceID       = metadatapkg.KeyTraceID
	MetadataKeySpanID        = metadatapkg.KeySpanID
	MetadataKeyJobID         = metadatapkg.KeyJobID
	MetadataKeyEmittedAt     = metadatapkg.KeyEmittedAt
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

const (
	Postgres = databasepkg.Postgres
	SQLite   = databasepkg.SQLite
)

// DefineProcedure declares procedure name of iface. A nil schema accepts
// any value.
func DefineProcedure[P, R any](iface, name string, payload, response *Schema) Procedure[P, R] {
	return contractpkg.DefineProcedure[P, R](iface, name, payload, response)
}

// DefineEvent declares an event whose payload conforms to payload.
func DefineEvent[P any](name string, payload *Schema) Event[P] {
	return contractpkg.DefineEvent[P](name, payload)
}

// ProtoOf returns a schema that validates payloads as M in protojson form.
func ProtoOf[M proto.Message]() *Schema {
	return contractpkg.ProtoOf[M]()
}

func Register[P, R any](b *Bus, proc Procedure[P, R], h func(c *Context, p P) (R, error), opts ...HandlerOption) error {
	return runtimepkg.Register(b, proc, h, opts...)
}

func Exec[P, R any](c *Context, proc Procedure[P, R], payload P) (R, error) {
	return runtimepkg.Exec(c, proc, payload)
}

func ExecSpecific[P, R any](c *Context, proc Procedure[P, R], consumerID string, payload P) (R, error) {
	return runtimepkg.ExecSpecific(c, proc, consumerID, payload)
}

func Call[P, R any](cl *Caller, proc Procedure[P, R], payload P) (R, error) {
	return runtimepkg.Call(cl, proc, payload)
}

func Emit[P any](c *Context, ev Event[P], payload P) error {
	return runtimepkg.Emit(c, ev, payload)
}

// On subscribes h to ev and returns the function that removes it.
func On[P any](p BusProvider, ev Event[P], h func(c *Context, payload P) error) (func(), error) {
	return runtimepkg.On(p, ev, h)
}

// Handle registers fn as the handler of jobs of jobType.
func Handle[P, R any](b *Bus, jobType string, payload, result *Schema, fn func(c *Context, p P) (R, error), opts ...HandlerOption) error {
	return jobspkg.Handle(b, jobType, payload, result, fn, opts...)
}

// Enqueue creates a job in c's transaction.
func Enqueue[P any](c *Context, jobType string, data P, opts ...JobOption) (string, error) {
	return jobspkg.Enqueue(c, jobType, data, opts...)
}

// DecodeJSON parses a JSON payload into T without validating it.
func DecodeJSON[T any](data []byte) (T, error) {
	return contractpkg.Unmarshal[T](data)
}

// Run executes fn in a fresh root execution context of b.
func Run(ctx context.Context, b *Bus, fn func(c *Context) error, opts ...ContextOption) error {
	return b.Run(ctx, fn, opts...)
}

// DelayUntil is shorthand for WithDelayUntil(time.Now().Add(d)).
func DelayUntil(d time.Duration) JobOption {
	return jobspkg.WithDelayUntil(time.Now().Add(d))
}
