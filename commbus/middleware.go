package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures at
// warn level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger.Bind("component", "commbus")}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("message_received", "message_type", GetMessageType(message), "category", message.Category())
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("message_failed", "message_type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("message_completed", "message_type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState is the breaker state of one message type.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware stops delivering a message type after
// failureThreshold consecutive failures and lets one message through again
// once resetTimeout has passed. Blocked events are dropped silently; blocked
// commands and queries fail with CircuitOpenError.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           logging.Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware. A
// threshold of zero never opens the circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger logging.Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger.Bind("component", "circuit_breaker"),
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	s, ok := m.states[msgType]
	if !ok {
		s = &CircuitBreakerState{State: CircuitClosed}
		m.states[msgType] = s
	}
	return s
}

// Before blocks messages whose circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State != CircuitOpen {
		return message, nil
	}
	if m.now().Sub(state.LastFailure) >= m.resetTimeout {
		state.State = CircuitHalfOpen
		m.logger.Info("circuit_half_open", "message_type", msgType)
		return message, nil
	}
	if message.Category() == string(MessageCategoryEvent) {
		return nil, nil
	}
	return nil, &CircuitOpenError{MessageType: msgType}
}

// After updates the breaker from the handler outcome.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if err != nil {
		state.Failures++
		state.LastFailure = m.now()
		switch {
		case state.State == CircuitHalfOpen:
			state.State = CircuitOpen
			m.logger.Warn("circuit_reopened", "message_type", msgType)
		case m.failureThreshold > 0 && state.Failures >= m.failureThreshold:
			state.State = CircuitOpen
			m.logger.Warn("circuit_opened", "message_type", msgType, "failures", state.Failures)
		}
		return result, nil
	}

	if state.State == CircuitHalfOpen {
		m.logger.Info("circuit_closed", "message_type", msgType)
	}
	state.State = CircuitClosed
	state.Failures = 0
	return result, nil
}

// GetStates returns the current state of every tracked message type.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.states))
	for k, v := range m.states {
		out[k] = v.State
	}
	return out
}

// Reset forgets the state of msgType, or of every type when msgType is empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != "" {
		delete(m.states, msgType)
		return
	}
	m.states = make(map[string]*CircuitBreakerState)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
