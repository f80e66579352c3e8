// Package errdefs holds the error taxonomy shared by the ledger and the
// authorization core. Every error type reports a Kind so that transports can
// map failures without matching on message text.
package errdefs

import (
	"errors"
	"fmt"

	"github.com/chirino/chat-ledger/internal/model"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown           Kind = ""
	KindInvalidAttachment Kind = "invalid_attachment"
	KindInvalidRole       Kind = "invalid_role"
	KindInvalidTurnOrder  Kind = "invalid_turn_order"
	KindActionDisabled    Kind = "action_disabled"
	KindNotAuthorized     Kind = "not_authorized"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindModel             Kind = "model_error"
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// ActionOf returns the action an authorization error refers to.
func ActionOf(err error) (int, bool) {
	var disabled *ActionDisabledError
	if errors.As(err, &disabled) {
		return disabled.Action, true
	}
	var denied *NotAuthorizedError
	if errors.As(err, &denied) {
		return denied.Action, true
	}
	var quota *QuotaExceededError
	if errors.As(err, &quota) {
		return quota.Action, true
	}
	return 0, false
}

// InvalidAttachmentError rejects a malformed or undecodable attachment URI.
type InvalidAttachmentError struct {
	Reason string
	Err    error
}

func (e *InvalidAttachmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid attachment: %s: %v", e.Reason, e.Err)
	}
	return "invalid attachment: " + e.Reason
}

func (e *InvalidAttachmentError) Unwrap() error { return e.Err }
func (e *InvalidAttachmentError) Kind() Kind    { return KindInvalidAttachment }

// InvalidRoleError rejects a message whose role is not user, assistant or system.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid message role %q", e.Role)
}

func (e *InvalidRoleError) Kind() Kind { return KindInvalidRole }

// InvalidTurnOrderError rejects a message that breaks user/assistant alternation.
// Previous is empty when the ledger was empty.
type InvalidTurnOrderError struct {
	Previous model.MessageRole
	Next     model.MessageRole
}

func (e *InvalidTurnOrderError) Error() string {
	if e.Previous == "" {
		return fmt.Sprintf("invalid turn order: a conversation cannot start with %s", e.Next)
	}
	return fmt.Sprintf("invalid turn order: %s cannot follow %s", e.Next, e.Previous)
}

func (e *InvalidTurnOrderError) Kind() Kind { return KindInvalidTurnOrder }

// ActionDisabledError reports that an action's global toggle is off.
type ActionDisabledError struct {
	Action int
}

func (e *ActionDisabledError) Error() string {
	return fmt.Sprintf("action %s is disabled", model.ActionName(e.Action))
}

func (e *ActionDisabledError) Kind() Kind { return KindActionDisabled }

// NotAuthorizedError reports a permission decision against the actor.
type NotAuthorizedError struct {
	ActorID string
	Action  int
}

func (e *NotAuthorizedError) Error() string {
	actor := e.ActorID
	if actor == "" {
		actor = "anonymous"
	}
	return fmt.Sprintf("actor %s is not authorized for action %s", actor, model.ActionName(e.Action))
}

func (e *NotAuthorizedError) Kind() Kind { return KindNotAuthorized }

// QuotaExceededError reports that the actor's counter reached its limit.
type QuotaExceededError struct {
	ActorID string
	Action  int
	Limit   int64
	Used    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for actor %s on action %s (%d/%d)",
		e.ActorID, model.ActionName(e.Action), e.Used, e.Limit)
}

func (e *QuotaExceededError) Kind() Kind { return KindQuotaExceeded }

// ModelError wraps a failure of the chat model collaborator.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string { return "model invocation failed: " + e.Err.Error() }
func (e *ModelError) Unwrap() error { return e.Err }
func (e *ModelError) Kind() Kind    { return KindModel }
