package model

import (
	"errors"
	"fmt"
)

// ConfigurationError indicates a missing or malformed setting: the
// encryption secret, a connection config, or an unconfigured provider.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err (or any error in its chain)
// is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// ConnectionStage identifies which mailbox protocol failed.
type ConnectionStage string

const (
	StageRetrieval ConnectionStage = "retrieval"
	StageTransfer  ConnectionStage = "transfer"
)

// ConnectionError indicates an authentication or network failure while
// talking to the mailbox server.
type ConnectionError struct {
	Stage ConnectionStage
	Err   error
}

func (e *ConnectionError) Error() string {
	prefix := "mailbox connection failed"
	switch e.Stage {
	case StageRetrieval:
		prefix = "IMAP connection failed"
	case StageTransfer:
		prefix = "SMTP connection failed"
	}
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// PolicyRule names the organization rule that rejected a call.
type PolicyRule string

const (
	RuleEmailDisabled    PolicyRule = "email_disabled"
	RuleSendDisabled     PolicyRule = "send_disabled"
	RuleExternalDomain   PolicyRule = "external_domain"
	RuleAttachmentLimit  PolicyRule = "attachment_limit"
	RuleInvalidRecipient PolicyRule = "invalid_recipient"
)

// PolicyViolation is returned when organization policy blocks an
// operation. Message is safe to show to the caller.
type PolicyViolation struct {
	Rule    PolicyRule
	Message string
}

func (e *PolicyViolation) Error() string {
	return "policy violation: " + e.Message
}

// IsPolicyViolation reports whether err (or any error in its chain) is a
// PolicyViolation.
func IsPolicyViolation(err error) bool {
	var target *PolicyViolation
	return errors.As(err, &target)
}

// DraftReason explains why a draft could not be used.
type DraftReason string

const (
	DraftNotFound     DraftReason = "not_found"
	DraftExpired      DraftReason = "expired"
	DraftInvalidToken DraftReason = "invalid_token"
	DraftRequired     DraftReason = "draft_required"
)

// DraftError is returned by draft verification and by send requests
// that do not reference a staged draft.
type DraftError struct {
	Reason  DraftReason
	DraftID string
}

func (e *DraftError) Error() string {
	switch e.Reason {
	case DraftNotFound:
		return fmt.Sprintf("draft %s not found", e.DraftID)
	case DraftExpired:
		return fmt.Sprintf("draft %s has expired; compose it again", e.DraftID)
	case DraftInvalidToken:
		if e.DraftID == "" {
			return "confirmation token is required"
		}
		return fmt.Sprintf("invalid confirmation token for draft %s", e.DraftID)
	case DraftRequired:
		return "draft required: compose a draft and confirm it before sending"
	default:
		return fmt.Sprintf("draft %s: %s", e.DraftID, e.Reason)
	}
}

// IsDraftError reports whether err (or any error in its chain) is a
// DraftError with the given reason. An empty reason matches any DraftError.
func IsDraftError(err error, reason DraftReason) bool {
	var target *DraftError
	if !errors.As(err, &target) {
		return false
	}
	return reason == "" || target.Reason == reason
}

// ProtocolError indicates that a message or thread could not be found, or
// that mailbox content could not be parsed.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err (or any error in its chain) is a
// ProtocolError.
func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}
