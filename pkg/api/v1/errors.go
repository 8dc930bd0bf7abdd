package v1

// ErrorCode is the stable machine-readable tag carried in error responses.
type ErrorCode string

const (
	ErrUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrForbidden            ErrorCode = "FORBIDDEN"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrMethodNotAllowed     ErrorCode = "METHOD_NOT_ALLOWED"
	ErrValidation           ErrorCode = "VALIDATION"
	ErrCapacityExceeded     ErrorCode = "CAPACITY_EXCEEDED"
	ErrNoCapacity           ErrorCode = "NO_CAPACITY"
	ErrProvisionerUnhealthy ErrorCode = "PROVISIONER_UNHEALTHY"
	ErrSpawnFailed          ErrorCode = "SPAWN_FAILED"
	ErrSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrProtocolUnsupported  ErrorCode = "PROTOCOL_UNSUPPORTED_FEATURE"
	ErrProtocolIncompatible ErrorCode = "PROTOCOL_INCOMPATIBLE"
	ErrIllegalTransition    ErrorCode = "ILLEGAL_TRANSITION"
	ErrIO                   ErrorCode = "IO"
	ErrInternal             ErrorCode = "INTERNAL"
)

// ErrorResponse is the uniform error body: a stable tag plus a human-readable
// message. Protocol negotiation failures additionally list capabilities.
type ErrorResponse struct {
	Error                 ErrorCode `json:"error"`
	Message               string    `json:"message,omitempty"`
	SupportedCapabilities []string  `json:"supportedCapabilities,omitempty"`
}
