package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

// Common error codes
const (
	// Intake / policy errors
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotWhitelisted     = "NOT_WHITELISTED"
	CodeQueueFull          = "QUEUE_FULL"
	CodePolicyChanged      = "POLICY_CHANGED"
	CodeConstraintExceeded = "CONSTRAINT_EXCEEDED"
	CodeCancelled          = "CANCELLED"
	CodeJobNotFound        = "JOB_NOT_FOUND"

	// Stage errors
	CodeTimeout          = "TIMEOUT"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeAcquisitionError = "ACQUISITION_ERROR"
	CodeTranscodeError   = "TRANSCODE_ERROR"
	CodePublishError     = "PUBLISH_ERROR"
	CodeQueryError       = "QUERY_ERROR"

	// Server errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// UserMessage returns the human-readable reason without internal detail.
// This is what gets surfaced to the requester; the Cause stays in logs.
func (e *AppError) UserMessage() string {
	return e.Message
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// Intake and policy error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func NotWhitelisted(platform string) *AppError {
	return New(CodeNotWhitelisted, fmt.Sprintf("platform %s is not whitelisted", platform), CategoryClient, http.StatusForbidden)
}

func QueueFull() *AppError {
	return New(CodeQueueFull, "busy right now, try again later", CategoryClient, http.StatusTooManyRequests)
}

func PolicyChanged(platform string) *AppError {
	return New(CodePolicyChanged, fmt.Sprintf("policy for %s changed while the job was queued", platform), CategoryClient, http.StatusConflict)
}

func ConstraintExceeded(message string) *AppError {
	return New(CodeConstraintExceeded, message, CategoryClient, http.StatusRequestEntityTooLarge)
}

func Cancelled() *AppError {
	return New(CodeCancelled, "job was cancelled", CategoryClient, http.StatusConflict)
}

func JobNotFound() *AppError {
	return New(CodeJobNotFound, "job not found", CategoryClient, http.StatusNotFound)
}

// Stage error constructors

func Timeout(stage string) *AppError {
	return New(CodeTimeout, fmt.Sprintf("%s timed out", stage), CategoryExternal, http.StatusGatewayTimeout)
}

// AccessDenied covers upstream 401/403 responses. Deliberately not
// retryable: the source said no and will keep saying no.
func AccessDenied(message string) *AppError {
	return New(CodeAccessDenied, message, CategoryExternal, http.StatusBadGateway)
}

func AcquisitionError(message string) *AppError {
	return New(CodeAcquisitionError, message, CategoryExternal, http.StatusBadGateway)
}

func TranscodeError(message string) *AppError {
	return New(CodeTranscodeError, message, CategoryExternal, http.StatusBadGateway)
}

func PublishError(message string) *AppError {
	return New(CodePublishError, message, CategoryExternal, http.StatusBadGateway)
}

func QueryError(provider string, message string) *AppError {
	return New(CodeQueryError, fmt.Sprintf("%s: %s", provider, message), CategoryExternal, http.StatusBadGateway)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

// ErrorResponse is the JSON structure returned to ops API clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	var appErr *AppError

	switch e := err.(type) {
	case *AppError:
		appErr = e
	default:
		// Wrap unknown errors as internal errors
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// IsRetryable returns true if the error is worth retrying. Only transient
// acquisition, query and publish failures qualify; policy and constraint
// failures are deterministic, so retrying them wastes resources.
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	switch appErr.Code {
	case CodeAcquisitionError, CodePublishError, CodeQueryError:
		return true
	default:
		return false
	}
}

// Code returns the AppError code for err, or CodeInternalError for plain errors.
func Code(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Category == CategoryClient
}

// IsExternalError returns true if the error is an external service error
func IsExternalError(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Category == CategoryExternal
}
