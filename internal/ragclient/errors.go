package ragclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrRemoteUnavailable matches every failure where the engine could not be
// reached at all.
var ErrRemoteUnavailable = errors.New("rag service is unavailable")

const genericRemoteMessage = "rag service returned an error"

// RemoteServiceError is returned when the engine answered with a non-success
// status. Detail is the engine's own message when it sent one.
type RemoteServiceError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("rag service status %d: %s", e.StatusCode, e.Detail)
}

// UnavailableError wraps the transport failure. Its message is fixed so that
// nothing about the internal network leaks to callers.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return ErrRemoteUnavailable.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

func newRemoteServiceError(status int, body []byte) *RemoteServiceError {
	return &RemoteServiceError{StatusCode: status, Detail: extractDetail(body)}
}

// extractDetail understands the usual error bodies: {"detail": "..."},
// {"detail": [{"msg": "..."}]}, {"error": "..."} and {"message": "..."}.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return genericRemoteMessage
	}

	if len(parsed.Detail) > 0 {
		var text string
		if err := json.Unmarshal(parsed.Detail, &text); err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(parsed.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if strings.TrimSpace(parsed.Error) != "" {
		return parsed.Error
	}
	if strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return genericRemoteMessage
}
