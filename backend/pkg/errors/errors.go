package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConfig represents malformed or missing sensitivity rules
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeSession represents session state errors (e.g. nothing to extend)
	ErrorTypeSession ErrorType = "session"
	// ErrorTypeDuration represents unparsable or non-positive durations
	ErrorTypeDuration ErrorType = "duration"
	// ErrorTypePersistence represents failures of the current-tool store
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeTool represents unknown or disabled tools
	ErrorTypeTool ErrorType = "tool"
	// ErrorTypeDiscord represents failures talking to the Discord gateway
	ErrorTypeDiscord ErrorType = "discord"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Configuration Errors

// ConfigurationError is returned when a sensitivity rule is malformed or names
// an unknown tool. Loading continues with detection disabled for that tool.
type ConfigurationError struct {
	*BaseError
	Tool   string
	Field  string
	Reason string
}

func NewConfigurationError(tool, field, reason string) *ConfigurationError {
	msg := fmt.Sprintf("invalid rule for %s", tool)
	if field != "" {
		msg = fmt.Sprintf("invalid rule for %s.%s", tool, field)
	}
	return &ConfigurationError{
		BaseError: NewBaseError(ErrorTypeConfig, msg+": "+reason, nil),
		Tool:      tool,
		Field:     field,
		Reason:    reason,
	}
}

// Session Errors

// NoActiveSessionError is returned when extending an entity that is already
// on its default tool
type NoActiveSessionError struct {
	*BaseError
	EntityID string
}

func NewNoActiveSession(entityID string) *NoActiveSessionError {
	return &NoActiveSessionError{
		BaseError: NewBaseError(ErrorTypeSession, fmt.Sprintf("no active tool session for %s", entityID), nil),
		EntityID:  entityID,
	}
}

// InvalidDurationError is returned for unparsable extension strings
type InvalidDurationError struct {
	*BaseError
	Input string
}

func NewInvalidDuration(input string, err error) *InvalidDurationError {
	return &InvalidDurationError{
		BaseError: NewBaseError(ErrorTypeDuration, fmt.Sprintf("invalid duration %q", input), err),
		Input:     input,
	}
}

// Persistence Errors

// PersistenceError wraps a failed read or write against the current-tool store
type PersistenceError struct {
	*BaseError
	Operation string
	EntityID  string
}

func NewPersistenceError(operation, entityID string, err error) *PersistenceError {
	return &PersistenceError{
		BaseError: NewBaseError(ErrorTypePersistence, fmt.Sprintf("%s failed for %s", operation, entityID), err),
		Operation: operation,
		EntityID:  entityID,
	}
}

// Tool Errors

// UnknownToolError is returned when a tool name is not one of the known tools
type UnknownToolError struct {
	*BaseError
	ToolName string
}

func NewUnknownTool(toolName string) *UnknownToolError {
	return &UnknownToolError{
		BaseError: NewBaseError(ErrorTypeTool, fmt.Sprintf("unknown tool: %s", toolName), nil),
		ToolName:  toolName,
	}
}

// Helper functions

// IsErrorType checks if an error (or anything it wraps) is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}
	if t, ok := typeOf(err); ok && t == errType {
		return true
	}
	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range wrapped.Unwrap() {
			if IsErrorType(e, errType) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsErrorType(wrapped.Unwrap(), errType)
	}
	return false
}

func typeOf(err error) (ErrorType, bool) {
	switch e := err.(type) {
	case *BaseError:
		return e.Type, true
	case *ConfigurationError:
		return e.Type, true
	case *NoActiveSessionError:
		return e.Type, true
	case *InvalidDurationError:
		return e.Type, true
	case *PersistenceError:
		return e.Type, true
	case *UnknownToolError:
		return e.Type, true
	}
	return "", false
}

// UserMessage translates a session-mutation error into text suitable for a
// chat reply. Unknown errors get a generic message.
func UserMessage(err error) string {
	var noSession *NoActiveSessionError
	var badDuration *InvalidDurationError
	var unknownTool *UnknownToolError
	var badConfig *ConfigurationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &noSession):
		return "There is no active tool to extend. You're already on the default tool."
	case errors.As(err, &badDuration):
		return fmt.Sprintf("I couldn't understand %q. Use a number followed by m, h or d (e.g. 5m, 2h, 1d).", badDuration.Input)
	case errors.As(err, &unknownTool):
		return fmt.Sprintf("I don't know a tool called %q.", unknownTool.ToolName)
	case errors.As(err, &badConfig):
		return "That setting was rejected: " + badConfig.Reason
	default:
		return "Sorry, something went wrong handling that command."
	}
}
