package commbus

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// =============================================================================
// TURN EVENTS
// =============================================================================

// TurnStarted is emitted once the turn has been classified and routed.
type TurnStarted struct {
	RequestID  string   `json:"request_id"`
	UserID     string   `json:"user_id"`
	Stage      string   `json:"stage"`
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Mode       string   `json:"mode"`
	Sequence   []string `json:"sequence"`
}

// Category implements the Message interface.
func (m *TurnStarted) Category() string { return string(MessageCategoryEvent) }

// TurnCompleted is emitted after synthesis.
type TurnCompleted struct {
	RequestID  string   `json:"request_id"`
	UserID     string   `json:"user_id"`
	Status     string   `json:"status"` // "success", "error"
	ToolsUsed  []string `json:"tools_used"`
	DurationMS int      `json:"duration_ms"`
	Error      *string  `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *TurnCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// NODE EVENTS
// =============================================================================

// NodeStarted is emitted when a node begins.
type NodeStarted struct {
	RequestID string `json:"request_id"`
	Node      string `json:"node"`
	Order     int    `json:"order"`
}

// Category implements the Message interface.
func (m *NodeStarted) Category() string { return string(MessageCategoryEvent) }

// NodeCompleted is emitted when a node finishes, successfully or not.
type NodeCompleted struct {
	RequestID  string  `json:"request_id"`
	Node       string  `json:"node"`
	Status     string  `json:"status"` // "success", "error"
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *NodeCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// USER EVENTS
// =============================================================================

// StageAdvanced is emitted when a user's high-water stage moves up.
type StageAdvanced struct {
	UserID string `json:"user_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Category implements the Message interface.
func (m *StageAdvanced) Category() string { return string(MessageCategoryEvent) }

// ActionExecuted is emitted for every audited automated action.
type ActionExecuted struct {
	UserID     string `json:"user_id"`
	RequestID  string `json:"request_id,omitempty"`
	ActionType string `json:"action_type"`
	Status     string `json:"status"`
}

// Category implements the Message interface.
func (m *ActionExecuted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// COMMANDS
// =============================================================================

// ClearHistory drops a user's conversation memory.
type ClearHistory struct {
	UserID string `json:"user_id"`
}

// Category implements the Message interface.
func (m *ClearHistory) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// QUERIES
// =============================================================================

// HealthCheckRequest asks a component for its health.
type HealthCheckRequest struct {
	Component string `json:"component"`
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the reply to HealthCheckRequest.
type HealthCheckResponse struct {
	Component string            `json:"component"`
	Status    HealthStatus      `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// GetRouteTable asks for the effective intent-to-node table.
type GetRouteTable struct{}

// Category implements the Message interface.
func (m *GetRouteTable) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetRouteTable) IsQuery() {}

// RouteTableResponse maps intent names to node names.
type RouteTableResponse struct {
	Routes map[string][]string `json:"routes"`
}

// =============================================================================
// TYPE RESOLUTION
// =============================================================================

// TypedMessage is implemented by messages that name their own type.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *TurnStarted:
		return "TurnStarted"
	case *TurnCompleted:
		return "TurnCompleted"
	case *NodeStarted:
		return "NodeStarted"
	case *NodeCompleted:
		return "NodeCompleted"
	case *StageAdvanced:
		return "StageAdvanced"
	case *ActionExecuted:
		return "ActionExecuted"
	case *ClearHistory:
		return "ClearHistory"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	case *GetRouteTable:
		return "GetRouteTable"
	default:
		return "Unknown"
	}
}
