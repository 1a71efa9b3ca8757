// Package gateway exposes the dispatcher to remote callers as JSON request/reply over NATS.
package gateway

import "encoding/json"

// Request is the JSON envelope for an incoming dispatch.
type Request struct {
	ID string `json:"id"`
	// Type is "command" or "query". Empty skips the kind check.
	Type string `json:"type,omitempty"`
	// Name is "<namespace>.<action>" with an optional "@<range>" suffix.
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
	Ctx    *CallerContext  `json:"ctx,omitempty"`
}

// Response is the JSON envelope sent back to the caller.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds the caller-safe part of a failed Result.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CallerContext carries identity and time limits from the caller.
type CallerContext struct {
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	DeadlineMs int    `json:"deadlineMs,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}
