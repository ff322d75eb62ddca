package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/vault"
)

// apiError couples an HTTP status with the JSON error body.
type apiError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Error implements the error interface.
func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WriteJSON writes the error response.
func (e *apiError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]*apiError{"error": e})
}

// invalidRequest builds a 400 for malformed client input.
func invalidRequest(message, path string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Kind:    "invalid_request",
		Message: message,
		Path:    path,
	}
}

// translateError maps vault, key store and codec failures onto HTTP
// statuses.
func translateError(err error, path string) *apiError {
	if err == nil {
		return nil
	}

	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, vault.ErrNotFound) {
		return &apiError{
			Status:  http.StatusNotFound,
			Kind:    "not_found",
			Message: err.Error(),
			Path:    path,
		}
	}
	if errors.Is(err, vault.ErrAmbiguous) {
		return &apiError{
			Status:  http.StatusBadRequest,
			Kind:    "ambiguous_reference",
			Message: err.Error(),
			Path:    path,
		}
	}

	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.MalformedContainer, errs.KeyLengthInvalid, errs.WeakPassphrase,
		errs.UnknownAlgorithm, errs.UnsupportedVersion:
		status = http.StatusBadRequest
	case errs.UnknownKey:
		status = http.StatusNotFound
	case errs.UnknownKeyForContainer:
		status = http.StatusConflict
	case errs.NoActiveKey:
		status = http.StatusPreconditionFailed
	case errs.AuthenticationFailed, errs.WrongPassword:
		status = http.StatusUnprocessableEntity
	case errs.RemoteUnavailable:
		status = http.StatusBadGateway
	}

	return &apiError{
		Status:  status,
		Kind:    kind.String(),
		Message: err.Error(),
		Path:    path,
	}
}
