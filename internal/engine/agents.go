package engine

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/telemetry"
)

// AgentUpdate carries the fields to replace. Nil fields are left alone.
type AgentUpdate struct {
	Name       *string
	Bio        *string
	Skills     *[]string
	HourlyRate *uint64
	IsActive   *bool
}

func validateName(name string) error {
	if len(name) > MaxNameLen {
		return domain.ErrNameTooLong
	}
	return nil
}

func validateBio(bio string) error {
	if len(bio) > MaxBioLen {
		return domain.ErrBioTooLong
	}
	return nil
}

func validateSkills(skills []string) error {
	if len(skills) > MaxSkills {
		return domain.ErrTooManySkills
	}
	for _, s := range skills {
		if len(s) > MaxSkillLen {
			return domain.ErrSkillTooLong.WithMessage("skill %q exceeds %d characters", s, MaxSkillLen)
		}
	}
	return nil
}

// RegisterAgent creates the caller's agent profile.
func (e Engine) RegisterAgent(ctx context.Context, owner, name, bio string, skills []string, hourlyRate uint64) (domain.AgentProfile, error) {
	if err := auth.RequireCaller(owner); err != nil {
		return domain.AgentProfile{}, err
	}
	if err := validateName(name); err != nil {
		return domain.AgentProfile{}, err
	}
	if err := validateBio(bio); err != nil {
		return domain.AgentProfile{}, err
	}
	if err := validateSkills(skills); err != nil {
		return domain.AgentProfile{}, err
	}
	if err := ledger.CheckAmount(hourlyRate); err != nil {
		return domain.AgentProfile{}, err
	}
	if skills == nil {
		skills = []string{}
	}
	a := domain.AgentProfile{
		Address:      ledger.AgentAddress(owner),
		Owner:        owner,
		Name:         name,
		Bio:          bio,
		Skills:       skills,
		HourlyRate:   hourlyRate,
		RegisteredAt: e.unix(),
		IsActive:     true,
	}
	err := e.run(ctx, "register_agent", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Entry{
			Type: events.AgentRegistered, EntityKind: "agent", EntityID: a.Address, ActorID: owner,
			Payload: events.EventPayload{"owner": owner, "name": name, "skills": skills},
		})
	}, telemetry.AttrAgent.String(owner))
	if err != nil {
		return domain.AgentProfile{}, err
	}
	return a, nil
}

// UpdateAgent replaces the supplied fields of the caller's own profile.
func (e Engine) UpdateAgent(ctx context.Context, owner string, upd AgentUpdate) (domain.AgentProfile, error) {
	if err := auth.RequireCaller(owner); err != nil {
		return domain.AgentProfile{}, err
	}
	if upd.Name != nil {
		if err := validateName(*upd.Name); err != nil {
			return domain.AgentProfile{}, err
		}
	}
	if upd.Bio != nil {
		if err := validateBio(*upd.Bio); err != nil {
			return domain.AgentProfile{}, err
		}
	}
	if upd.Skills != nil {
		if err := validateSkills(*upd.Skills); err != nil {
			return domain.AgentProfile{}, err
		}
	}
	if upd.HourlyRate != nil {
		if err := ledger.CheckAmount(*upd.HourlyRate); err != nil {
			return domain.AgentProfile{}, err
		}
	}
	var a domain.AgentProfile
	err := e.run(ctx, "update_agent", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		a, err = e.Repo.GetAgentTx(ctx, tx, owner)
		if err != nil {
			return err
		}
		var changed []string
		if upd.Name != nil {
			a.Name = *upd.Name
			changed = append(changed, "name")
		}
		if upd.Bio != nil {
			a.Bio = *upd.Bio
			changed = append(changed, "bio")
		}
		if upd.Skills != nil {
			a.Skills = append([]string{}, (*upd.Skills)...)
			changed = append(changed, "skills")
		}
		if upd.HourlyRate != nil {
			a.HourlyRate = *upd.HourlyRate
			changed = append(changed, "hourly_rate")
		}
		if upd.IsActive != nil {
			a.IsActive = *upd.IsActive
			changed = append(changed, "is_active")
		}
		if err := e.Repo.UpdateAgent(ctx, tx, a); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Entry{
			Type: events.AgentUpdated, EntityKind: "agent", EntityID: a.Address, ActorID: owner,
			Payload: events.EventPayload{"fields": changed, "is_active": a.IsActive},
		})
	}, telemetry.AttrAgent.String(owner))
	if err != nil {
		return domain.AgentProfile{}, err
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, owner string) (domain.AgentProfile, error) {
	return e.Repo.GetAgent(ctx, owner)
}
