// internal/webhook/ingest.go
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	custom_errors "github-payout-service/internal/errors"
)

const (
	EventPush = "push"
	EventPing = "ping"
)

// CommitAuthor identifies who wrote a commit in a push payload.
type CommitAuthor struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// PushCommit is one commit as listed in a push payload.
type PushCommit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Timestamp string       `json:"timestamp"`
	URL       string       `json:"url"`
	Author    CommitAuthor `json:"author"`
	Added     []string     `json:"added"`
	Removed   []string     `json:"removed"`
	Modified  []string     `json:"modified"`
}

// PushPayload is the normalized push record.
type PushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []PushCommit `json:"commits"`

	Owner string `json:"-"`
	Name  string `json:"-"`
}

// FullName is the "owner/name" form of the pushed repository.
func (p *PushPayload) FullName() string {
	return p.Owner + "/" + p.Name
}

// DecodePush turns a raw webhook body into a PushPayload.
//
// Non-push events (ping included) return an *ErrUnsupportedEventType. The body
// may be JSON, a JSON document wrapped in a JSON string, or a form body whose
// "payload" field carries the JSON.
func DecodePush(eventType string, body []byte) (*PushPayload, error) {
	if eventType == EventPing {
		return nil, &custom_errors.ErrUnsupportedEventType{Event: eventType}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, custom_errors.ErrEmptyPayload
	}
	if eventType != EventPush {
		return nil, &custom_errors.ErrUnsupportedEventType{Event: eventType}
	}

	raw, err := unwrapBody(body)
	if err != nil {
		return nil, err
	}

	var payload PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", custom_errors.ErrMalformedPayload, err)
	}

	owner, name, ok := strings.Cut(payload.Repository.FullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, &custom_errors.ErrInvalidRepoFormat{Repo: payload.Repository.FullName}
	}
	payload.Owner, payload.Name = owner, name
	return &payload, nil
}

// unwrapBody returns the JSON object carried by body in any supported encoding.
func unwrapBody(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)

	if bytes.HasPrefix(trimmed, []byte("payload=")) {
		form, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: form body: %v", custom_errors.ErrMalformedPayload, err)
		}
		trimmed = bytes.TrimSpace([]byte(form.Get("payload")))
	}

	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: invalid JSON", custom_errors.ErrMalformedPayload)
		}
		return trimmed, nil
	case len(trimmed) > 0 && trimmed[0] == '"':
		// JSON document encoded as a JSON string.
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", custom_errors.ErrMalformedPayload, err)
		}
		inner = strings.TrimSpace(inner)
		if !strings.HasPrefix(inner, "{") || !json.Valid([]byte(inner)) {
			return nil, fmt.Errorf("%w: invalid JSON in string body", custom_errors.ErrMalformedPayload)
		}
		return []byte(inner), nil
	}
	return nil, fmt.Errorf("%w: unrecognized body encoding", custom_errors.ErrMalformedPayload)
}
