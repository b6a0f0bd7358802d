package protocol

import (
	"context"
	"errors"
	"fmt"
)

// SendRequest is one templated WhatsApp message.
type SendRequest struct {
	TemplateID   string            `json:"template_id"`
	TemplateName string            `json:"template_name,omitempty"`
	Phone        string            `json:"phone"`
	Variables    map[string]string `json:"variables,omitempty"`
	Language     string            `json:"language,omitempty"`
}

// SendResult carries the gateway's message identifier; delivery-status
// callbacks reference it asynchronously.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// MessagingGateway sends messages. Implementations wrap the WhatsApp
// Business API or a test double.
type MessagingGateway interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// DispatchError is a typed send failure. Permanent failures (rejected
// template, invalid number, policy violation) must not be retried;
// transient ones (timeout, network) are retried per failure handling.
type DispatchError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *DispatchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	return fmt.Sprintf("%s dispatch error %s: %s", kind, e.Code, e.Message)
}

// NewTransientError builds a retryable dispatch error.
func NewTransientError(code, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message}
}

// NewPermanentError builds a non-retryable dispatch error.
func NewPermanentError(code, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message, Permanent: true}
}

// IsPermanent reports whether err is a permanent dispatch failure.
func IsPermanent(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Permanent
	}

	return false
}
