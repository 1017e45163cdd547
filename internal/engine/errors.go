package engine

import (
	"fmt"
	"net/http"
)

// DomainError is the structured failure surfaced to callers of the control
// surface. Code values follow the engine's error vocabulary so client tooling
// can distinguish turn-waiting from permission or connectivity problems.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errSessionNotFound(sessionID string) *DomainError {
	return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", map[string]any{"sessionId": sessionID})
}

func errSessionNotActive(sessionID string, status SessionStatus) *DomainError {
	return domainError(http.StatusConflict, "SESSION_NOT_ACTIVE", "Session is no longer active", map[string]any{
		"sessionId": sessionID,
		"status":    status,
	})
}

func errInvalidMode(mode string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_MODE", "mode must be one of live, turn-based, review", map[string]any{"mode": mode})
}

func errPermissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func errNotYourTurn(holderID string) *DomainError {
	return domainError(http.StatusConflict, "NOT_YOUR_TURN", "Another participant holds the turn", map[string]any{"holderId": holderID})
}

func errArtifactUnavailable(ref string, cause error) *DomainError {
	return domainError(http.StatusBadGateway, "ARTIFACT_UNAVAILABLE", "Artifact could not be read", map[string]any{
		"artifactRef": ref,
		"cause":       cause.Error(),
	})
}

func errMergeWriteFailed(ref string, cause error) *DomainError {
	return domainError(http.StatusBadGateway, "MERGE_WRITE_FAILED", "Final content could not be written to the artifact store", map[string]any{
		"artifactRef": ref,
		"cause":       cause.Error(),
	})
}

func errMalformedEdit(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "MALFORMED_EDIT", message, nil)
}
