package tracing

// Span attribute keys. These constants define the semantic conventions
// for span attributes across the daemon.
const (
	// Session attributes
	AttrSessionID      = "session.id"
	AttrClaudeStatus   = "session.claude_status"
	AttrAgentSessionID = "agent.session.id"

	// Job attributes
	AttrJobID      = "job.id"
	AttrJobType    = "job.type"
	AttrJobAttempt = "job.attempt"
	AttrWorkerID   = "worker.id"

	// Event attributes
	AttrEventUUID = "event.uuid"
	AttrEventType = "event.type"

	// Permission attributes
	AttrPermissionID = "permission.id"
	AttrToolName     = "tool.name"
	AttrDecision     = "permission.decision"

	// HTTP attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPPath   = "http.path"
	AttrHTTPStatus = "http.status_code"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixJob   = "job."
	SpanPrefixAgent = "agent."
	SpanPrefixHTTP  = "http."
	SpanPrefixRepo  = "repo."
)

// Event names for span events.
const (
	EventJobClaimed        = "job.claimed"
	EventJobRetryScheduled = "job.retry_scheduled"
	EventAgentSpawned      = "agent.spawned"
	EventSessionRotated    = "agent.session_rotated"
	EventPermissionRaised  = "permission.raised"
	EventErrorOccurred     = "error.occurred"
)
