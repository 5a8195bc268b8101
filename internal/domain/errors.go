package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes by how callers should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindAuthorization ErrorKind = "authorization"
	KindSubstrate     ErrorKind = "substrate"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// Error is a domain failure with a stable code. Two errors match under
// errors.Is when their codes are equal, so sentinels can be compared
// after wrapping or after WithMessage.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Message: fmt.Sprintf(format, args...)}
}

func newErr(kind ErrorKind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

// Validation
var (
	ErrNameTooLong         = newErr(KindValidation, "NameTooLong", "name exceeds 32 characters")
	ErrBioTooLong          = newErr(KindValidation, "BioTooLong", "bio exceeds 500 characters")
	ErrTooManySkills       = newErr(KindValidation, "TooManySkills", "more than 10 skills")
	ErrSkillTooLong        = newErr(KindValidation, "SkillTooLong", "skill exceeds 32 characters")
	ErrTitleTooLong        = newErr(KindValidation, "TitleTooLong", "title exceeds 100 characters")
	ErrDescriptionTooLong  = newErr(KindValidation, "DescriptionTooLong", "description exceeds 2000 characters")
	ErrRequirementsTooLong = newErr(KindValidation, "RequirementsTooLong", "requirements exceed 1000 characters")
	ErrCategoryTooLong     = newErr(KindValidation, "CategoryTooLong", "category exceeds 32 characters")
	ErrInvalidBounty       = newErr(KindValidation, "InvalidBounty", "bounty must be greater than zero")
	ErrInvalidDeadline     = newErr(KindValidation, "InvalidDeadline", "deadline must be between 1 and 720 hours")
	ErrURLTooLong          = newErr(KindValidation, "UrlTooLong", "submission url exceeds 500 characters")
	ErrNotesTooLong        = newErr(KindValidation, "NotesTooLong", "notes exceed 1000 characters")
	ErrInvalidRating       = newErr(KindValidation, "InvalidRating", "rating must be between 1 and 5")
	ErrInvalidExtension    = newErr(KindValidation, "InvalidExtension", "extension must be between 1 and 168 hours")
	ErrMessageEmpty        = newErr(KindValidation, "MessageEmpty", "message content is empty")
	ErrMessageTooLong      = newErr(KindValidation, "MessageTooLong", "message exceeds 500 characters")
	ErrInvalidFee          = newErr(KindValidation, "InvalidFee", "fee must be at most 10000 basis points")
	ErrInvalidAmount       = newErr(KindValidation, "InvalidAmount", "amount out of range")
	ErrInvalidArgument     = newErr(KindValidation, "InvalidArgument", "invalid argument")
)

// State
var (
	ErrTaskNotOpen               = newErr(KindState, "TaskNotOpen", "task is not open")
	ErrTaskExpired               = newErr(KindState, "TaskExpired", "task deadline has passed")
	ErrAgentNotActive            = newErr(KindState, "AgentNotActive", "agent is not active")
	ErrAgentNotRegistered        = newErr(KindState, "AgentNotRegistered", "agent profile not found")
	ErrAlreadySubmitted          = newErr(KindState, "AlreadySubmitted", "agent already submitted to this task")
	ErrSubmissionNotPending      = newErr(KindState, "SubmissionNotPending", "submission is not pending")
	ErrCannotCancel              = newErr(KindState, "CannotCancel", "task cannot be cancelled")
	ErrHasSubmissions            = newErr(KindState, "HasSubmissions", "task has submissions")
	ErrNoSubmissions             = newErr(KindState, "NoSubmissions", "task has no submissions")
	ErrExtensionAlreadyRequested = newErr(KindState, "ExtensionAlreadyRequested", "an extension request is already pending")
	ErrNoExtensionPending        = newErr(KindState, "NoExtensionPending", "no extension request pending")
	ErrGracePeriodNotElapsed     = newErr(KindState, "GracePeriodNotElapsed", "grace period after deadline has not elapsed")
	ErrPlatformNotInitialized    = newErr(KindState, "PlatformNotInitialized", "platform not initialized")
	ErrInvalidTransition         = newErr(KindState, "InvalidTransition", "invalid task status transition")
)

// Authorization
var (
	ErrNotClient      = newErr(KindAuthorization, "NotClient", "caller is not the task client")
	ErrNotSubmitter   = newErr(KindAuthorization, "NotSubmitter", "caller has no submission on this task")
	ErrNotParticipant = newErr(KindAuthorization, "NotParticipant", "caller is not a task participant")
	ErrNotAuthority   = newErr(KindAuthorization, "NotAuthority", "caller is not the platform authority")
	ErrUnauthorized   = newErr(KindAuthorization, "Unauthorized", "caller identity required")
)

// Substrate
var (
	ErrInsufficientFunds          = newErr(KindSubstrate, "InsufficientFunds", "insufficient funds")
	ErrAccountExists              = newErr(KindSubstrate, "AccountExists", "account already exists")
	ErrPlatformAlreadyInitialized = newErr(KindSubstrate, "PlatformAlreadyInitialized", "platform already initialized")
	ErrAgentAlreadyRegistered     = newErr(KindSubstrate, "AgentAlreadyRegistered", "agent already registered")
	ErrArithmeticOverflow         = newErr(KindSubstrate, "ArithmeticOverflow", "arithmetic overflow")
)

var (
	ErrNotFound       = newErr(KindNotFound, "NotFound", "not found")
	ErrEscrowMismatch = newErr(KindInternal, "EscrowMismatch", "escrow balance does not match bounty")
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
