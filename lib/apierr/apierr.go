// Package apierr is the error taxonomy shared by the gateway and the
// handshake agent. Every failure that crosses the wire carries exactly one
// Kind so callers can tell "re-handshake" from "re-sign" from "back off".
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. A Kind is itself an error so callers can match
// with errors.Is(err, apierr.TokenExpired).
type Kind string

func (k Kind) Error() string {
	return string(k)
}

const (
	ChallengeNotFound        Kind = "ChallengeNotFound"
	ChallengeExpired         Kind = "ChallengeExpired"
	ChallengeAlreadyConsumed Kind = "ChallengeAlreadyConsumed"
	InvalidProofOfWork       Kind = "InvalidProofOfWork"
	TokenMissing             Kind = "TokenMissing"
	TokenInvalid             Kind = "TokenInvalid"
	TokenExpired             Kind = "TokenExpired"
	TokenRevoked             Kind = "TokenRevoked"
	SignatureMissing         Kind = "SignatureMissing"
	SignatureInvalid         Kind = "SignatureInvalid"
	ReplayWindowExceeded     Kind = "ReplayWindowExceeded"
	MalformedRequest         Kind = "MalformedRequest"
	StoreUnavailable         Kind = "StoreUnavailable"
	Forbidden                Kind = "Forbidden"
)

var kinds = map[Kind]struct {
	status    int
	messageID string
}{
	ChallengeNotFound:        {http.StatusNotFound, "challenge_not_found"},
	ChallengeExpired:         {http.StatusGone, "challenge_expired"},
	ChallengeAlreadyConsumed: {http.StatusConflict, "challenge_already_consumed"},
	InvalidProofOfWork:       {http.StatusForbidden, "invalid_proof_of_work"},
	TokenMissing:             {http.StatusUnauthorized, "token_missing"},
	TokenInvalid:             {http.StatusUnauthorized, "token_invalid"},
	TokenExpired:             {http.StatusUnauthorized, "token_expired"},
	TokenRevoked:             {http.StatusUnauthorized, "token_revoked"},
	SignatureMissing:         {http.StatusUnauthorized, "signature_missing"},
	SignatureInvalid:         {http.StatusUnauthorized, "signature_invalid"},
	ReplayWindowExceeded:     {http.StatusUnauthorized, "replay_window_exceeded"},
	MalformedRequest:         {http.StatusBadRequest, "malformed_request"},
	StoreUnavailable:         {http.StatusServiceUnavailable, "store_unavailable"},
	Forbidden:                {http.StatusForbidden, "forbidden"},
}

// Kinds returns every known Kind.
func Kinds() []Kind {
	result := make([]Kind, 0, len(kinds))
	for k := range kinds {
		result = append(result, k)
	}
	return result
}

// Known reports whether k is part of the taxonomy.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// StatusCode is the HTTP status a Kind is reported with.
func (k Kind) StatusCode() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// MessageID is the localization key of the Kind's public message.
func (k Kind) MessageID() string {
	if info, ok := kinds[k]; ok {
		return info.messageID
	}
	return "internal_server_error"
}

// Error is a classified failure. PrivateReason is for logs only and is never
// written to a response.
type Error struct {
	Kind          Kind
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

// New creates an Error of the given Kind with the Kind's default status.
func New(kind Kind, verb string, privateReason error) *Error {
	return &Error{
		Kind:          kind,
		PrivateReason: privateReason,
		Verb:          verb,
		StatusCode:    kind.StatusCode(),
	}
}

func (e *Error) Error() string {
	if e.PrivateReason == nil {
		return fmt.Sprintf("%s: %s", e.Verb, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Verb, e.Kind, e.PrivateReason)
}

func (e *Error) Unwrap() []error {
	if e.PrivateReason == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.PrivateReason}
}

// Retryable reports whether the failure is infrastructural and worth
// retrying with backoff rather than surfacing.
func (e *Error) Retryable() bool {
	return e.Kind == StoreUnavailable || e.StatusCode >= http.StatusInternalServerError
}

// KindOf extracts the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	var k Kind
	if errors.As(err, &k) {
		return k
	}

	return ""
}

// Body is the JSON shape of every error response.
type Body struct {
	Error   Kind   `json:"error"`
	Message string `json:"message,omitempty"`
}

// Decode turns an error response back into an *Error. Bodies that are not in
// the Body shape still produce an Error carrying the status code.
func Decode(status int, data []byte) *Error {
	var body Body
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &Error{
			Verb:          "decode",
			PrivateReason: fmt.Errorf("unexpected response with status %d", status),
			StatusCode:    status,
		}
	}

	return &Error{
		Kind:         body.Error,
		Verb:         "remote",
		PublicReason: body.Message,
		StatusCode:   status,
	}
}
