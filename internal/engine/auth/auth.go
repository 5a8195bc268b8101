// Package auth holds the per-operation authorization predicates. Every
// privileged operation names exactly one required party, checked against
// the verified caller identity.
package auth

import (
	"strings"

	"bountyline/internal/domain"
)

// SystemPrefix marks identities that belong to in-process drivers such as
// the sweeper rather than to a signed caller.
const SystemPrefix = "system:"

// ForbiddenError reports which party an operation required.
type ForbiddenError struct {
	Required string
	Caller   string
	Err      *domain.Error
}

func (e ForbiddenError) Error() string {
	return e.Err.Error()
}

func (e ForbiddenError) Unwrap() error {
	return e.Err
}

func forbid(err *domain.Error, required, caller string) error {
	return ForbiddenError{Required: required, Caller: caller, Err: err}
}

// RequireCaller rejects an empty identity.
func RequireCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return domain.ErrUnauthorized
	}
	return nil
}

func RequireClient(t domain.Task, caller string) error {
	if err := RequireCaller(caller); err != nil {
		return err
	}
	if caller != t.Client {
		return forbid(domain.ErrNotClient, "client", caller)
	}
	return nil
}

func RequireAuthority(p domain.Platform, caller string) error {
	if err := RequireCaller(caller); err != nil {
		return err
	}
	if caller != p.Authority {
		return forbid(domain.ErrNotAuthority, "authority", caller)
	}
	return nil
}

// RequireSubmitter checks that the caller holds a submission on the task.
// hasSubmission is the lookup result for (task, caller).
func RequireSubmitter(caller string, hasSubmission bool) error {
	if err := RequireCaller(caller); err != nil {
		return err
	}
	if !hasSubmission {
		return forbid(domain.ErrNotSubmitter, "submitter", caller)
	}
	return nil
}

// RequireParticipant accepts the task client or any submitter.
func RequireParticipant(t domain.Task, caller string, hasSubmission bool) error {
	if err := RequireCaller(caller); err != nil {
		return err
	}
	if caller == t.Client || hasSubmission {
		return nil
	}
	return forbid(domain.ErrNotParticipant, "participant", caller)
}

// IsSystem reports whether the identity belongs to an in-process driver.
func IsSystem(caller string) bool {
	return strings.HasPrefix(caller, SystemPrefix)
}
