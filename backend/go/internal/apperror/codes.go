package apperror

// Stable machine codes. Workers may send codes outside this list; they are
// carried through unchanged.
const (
	CodeUnknown = "UNKNOWN_ERROR"
	CodeTimeout = "OPERATION_TIMEOUT"
	CodePanic   = "PANIC"

	CodeServerlessWorkerUnavailable = "SERVERLESS_WORKER_UNAVAILABLE"
	CodeWorkerDispatchFailed        = "WORKER_DISPATCH_FAILED"

	CodeChannelTimeout        = "WORKER_CHANNEL_TIMEOUT"
	CodeChannelClosed         = "WORKER_CHANNEL_CLOSED"
	CodeChannelInvalidPayload = "WORKER_CHANNEL_INVALID_PAYLOAD"
	CodeChannelUnknownAction  = "WORKER_CHANNEL_UNKNOWN_ACTION"

	CodeDockerCreateContainer = "DOCKER_CREATE_CONTAINER_ERROR"
	CodeDockerStartContainer  = "DOCKER_START_CONTAINER_ERROR"
	CodeDockerRequestFailed   = "DOCKER_REQUEST_FAILED"

	CodeHTTPWorkerRejected = "HTTP_WORKER_REJECTED"
	CodeHTTPWorkerFailed   = "HTTP_WORKER_JOB_FAILED"
	CodeHTTPWorkerTimeout  = "HTTP_WORKER_TIMEOUT"

	CodeForbiddenEmit         = "FORBIDDEN_EMIT"
	CodeTaskNotFound          = "TASK_NOT_FOUND"
	CodeTaskInvalidTransition = "TASK_INVALID_TRANSITION"
	CodeInvalidTaskInput      = "INVALID_TASK_INPUT"
	CodeHandlerNotFound       = "HANDLER_NOT_FOUND"
	CodeSubjectScopeInvalid   = "SUBJECT_SCOPE_INVALID"
	CodeInvalidEvent          = "INVALID_EVENT"
	CodeEventNotFound         = "EVENT_NOT_FOUND"

	CodeWorkerNotInitialized = "WORKER_NOT_INITIALIZED"
	CodeExternalTaskFailed   = "EXTERNAL_TASK_FAILED"

	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
)
