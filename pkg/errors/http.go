package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrNotFound:             http.StatusNotFound,
	ErrCallNotFound:         http.StatusNotFound,
	ErrInvalidInput:         http.StatusBadRequest,
	ErrInternalError:        http.StatusInternalServerError,
	ErrTimeout:              http.StatusGatewayTimeout,
	ErrUnavailable:          http.StatusServiceUnavailable,
	ErrTransientProvider:    http.StatusBadGateway,
	ErrMalformedModelOutput: http.StatusBadGateway,
	ErrRateLimited:          http.StatusTooManyRequests,
	ErrPersistenceWrite:     http.StatusInternalServerError,
	ErrWebhookDelivery:      http.StatusBadGateway,
	ErrCircuitOpen:          http.StatusServiceUnavailable,
}

var errorCodeStatusMap = map[string]int{
	CodeNotFound:             http.StatusNotFound,
	CodeInvalidInput:         http.StatusBadRequest,
	CodeInternal:             http.StatusInternalServerError,
	CodeTransientProvider:    http.StatusBadGateway,
	CodeMalformedModelOutput: http.StatusBadGateway,
	CodeRateLimited:          http.StatusTooManyRequests,
	CodePersistenceWrite:     http.StatusInternalServerError,
	CodeWebhookDelivery:      http.StatusBadGateway,
	CodeCircuitOpen:          http.StatusServiceUnavailable,
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(err)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the HTTP status code for an error.
// A structured error code wins over the sentinel in its chain.
func HTTPStatusFromError(err error) int {
	if code := GetErrorCode(err); code != "" {
		if status, ok := errorCodeStatusMap[code]; ok {
			return status
		}
	}

	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return http.StatusInternalServerError
}
