package httpServer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
)

const (
	CodeInvalidRequest = "InvalidRequest"
	CodeInternal       = "Internal"

	maxBodyBytes = 1 << 20
)

// ErrorBody is the JSON body of every non-2xx response
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RequestError is returned by handlers for problems with the request itself
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func BadRequest(message string) error {
	return &RequestError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: message}
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, &ErrorBody{Error: code, Message: message})
}

// WriteError maps err onto a status and error code. Federation errors keep their code so clients can
// rebuild the sentinel.
func WriteError(w http.ResponseWriter, err error) {
	var re *RequestError
	if errors.As(err, &re) {
		WriteJSONError(w, re.Status, re.Code, re.Message)
		return
	}
	code := federation.CodeOf(err)
	if code == "" {
		WriteJSONError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	WriteJSONError(w, StatusForCode(code), code, err.Error())
}

// StatusForCode is the HTTP status used for a federation error code
func StatusForCode(code string) int {
	switch code {
	case "ServiceNotFound", "TunnelNotFound", "NetworkNotFound", "ContainerNotFound", "WorkloadNotFound", "ImageNotFound":
		return http.StatusNotFound
	case "InvalidName", "InvalidServiceId", "InvalidPrice", "BidIndexOutOfRange":
		return http.StatusBadRequest
	case "NotRegistered", "NotCreator", "NotProvider", "NotParticipant":
		return http.StatusForbidden
	case "Timeout":
		return http.StatusGatewayTimeout
	case "TransactionPending", "LedgerUnavailable", "HostUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// DecodeJSON reads a bounded JSON body into v, rejecting unknown fields
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return BadRequest("malformed request body: " + err.Error())
	}
	return nil
}

// ReadError decodes an error response into the matching federation sentinel when the code is known
func ReadError(resp *http.Response) error {
	var body ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil || body.Error == "" {
		return &RequestError{Status: resp.StatusCode, Code: CodeInternal, Message: resp.Status}
	}
	if sentinel := federation.ErrorFromCode(body.Error); sentinel != nil {
		return &remoteError{sentinel: sentinel, message: body.Message}
	}
	return &RequestError{Status: resp.StatusCode, Code: body.Error, Message: body.Message}
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string {
	return e.message
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}
