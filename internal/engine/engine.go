package engine

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
	"bountyline/internal/telemetry"
)

// Field bounds, in bytes.
const (
	MaxNameLen         = 32
	MaxBioLen          = 500
	MaxSkills          = 10
	MaxSkillLen        = 32
	MaxTitleLen        = 100
	MaxDescriptionLen  = 2000
	MaxRequirementsLen = 1000
	MaxCategoryLen     = 32
	MaxURLLen          = 500
	MaxNotesLen        = 1000
	MaxMessageLen      = 500

	MinDeadlineHours  = 1
	MaxDeadlineHours  = 720
	MinExtensionHours = 1
	MaxExtensionHours = 168
	MinRating         = 1
	MaxRating         = 5
)

// RefundGrace is how long after its deadline an open task becomes
// refundable by anyone.
const RefundGrace = 7 * 24 * time.Hour

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Events    events.Writer
	Config    *config.Config
	Telemetry *telemetry.Provider
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Telemetry: telemetry.Noop(),
		Now:       time.Now,
	}
	e.Ledger = ledger.Ledger{DB: db, Now: e.now}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

// WithClock returns a copy of e whose ledger, events and checks all read
// time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Ledger.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) unix() int64 {
	return e.now().Unix()
}

var noopTelemetry = telemetry.Noop()

func (e Engine) tel() *telemetry.Provider {
	if e.Telemetry != nil {
		return e.Telemetry
	}
	return noopTelemetry
}

// run executes fn in one transaction under a span. Any error rolls back
// every write fn made, balances included.
func (e Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error, attrs ...attribute.KeyValue) (err error) {
	tel := e.tel()
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tel.Tracer, "engine."+op, attrs...)
	defer func() {
		telemetry.EndSpan(span, err, domain.CodeOf(err))
		tel.Metrics.RecordOperation(ctx, op, time.Since(start).Seconds(), err)
	}()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureTaskTransition permits exactly Open -> {Completed, Cancelled, Disputed}.
func ensureTaskTransition(from, to domain.TaskStatus) error {
	if from == domain.TaskOpen {
		switch to {
		case domain.TaskCompleted, domain.TaskCancelled, domain.TaskDisputed:
			return nil
		}
	}
	return domain.ErrInvalidTransition.WithMessage("%s -> %s", from, to)
}

// --- platform ---

// InitPlatform creates the platform singleton. feeBps is stored as given;
// callers keep it within 0..10000.
func (e Engine) InitPlatform(ctx context.Context, authority, treasury string, feeBps uint16) (domain.Platform, error) {
	if err := auth.RequireCaller(authority); err != nil {
		return domain.Platform{}, err
	}
	if treasury == "" {
		treasury = authority
	}
	p := domain.Platform{
		Address:   ledger.PlatformAddress(),
		Authority: authority,
		Treasury:  treasury,
		FeeBps:    feeBps,
		CreatedAt: e.unix(),
	}
	err := e.run(ctx, "init_platform", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.InsertPlatform(ctx, tx, p); err != nil {
			return err
		}
		if err := e.Ledger.Ensure(ctx, tx, treasury, ledger.KindTreasury, authority); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Entry{
			Type: events.PlatformInitialized, EntityKind: "platform", EntityID: p.Address, ActorID: authority,
			Payload: events.EventPayload{"authority": authority, "treasury": treasury, "fee_bps": feeBps},
		})
	})
	if err != nil {
		return domain.Platform{}, err
	}
	return p, nil
}

// SetFee changes the platform fee. Only the authority may call it.
func (e Engine) SetFee(ctx context.Context, caller string, feeBps uint16) (domain.Platform, error) {
	if feeBps > ledger.MaxFeeBps {
		return domain.Platform{}, domain.ErrInvalidFee.WithMessage("fee_bps %d exceeds %d", feeBps, ledger.MaxFeeBps)
	}
	var p domain.Platform
	err := e.run(ctx, "set_fee", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPlatformTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := auth.RequireAuthority(p, caller); err != nil {
			return err
		}
		old := p.FeeBps
		p.FeeBps = feeBps
		if err := e.Repo.UpdatePlatformFee(ctx, tx, feeBps); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Entry{
			Type: events.PlatformFeeUpdated, EntityKind: "platform", EntityID: p.Address, ActorID: caller,
			Payload: events.EventPayload{"old_fee_bps": old, "fee_bps": feeBps},
		})
	})
	return p, err
}

func (e Engine) GetPlatform(ctx context.Context) (domain.Platform, error) {
	return e.Repo.GetPlatform(ctx)
}

// Deposit credits a wallet with external funds. Only the authority may mint.
func (e Engine) Deposit(ctx context.Context, caller, to string, amount uint64) (domain.Account, error) {
	if err := auth.RequireCaller(to); err != nil {
		return domain.Account{}, domain.ErrInvalidArgument.WithMessage("deposit target required")
	}
	if err := ledger.CheckAmount(amount); err != nil {
		return domain.Account{}, err
	}
	err := e.run(ctx, "deposit", func(ctx context.Context, tx *sql.Tx) error {
		p, err := e.Repo.GetPlatformTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := auth.RequireAuthority(p, caller); err != nil {
			return err
		}
		if err := e.Ledger.Deposit(ctx, tx, to, amount, "deposit"); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Entry{
			Type: events.Deposited, EntityKind: "account", EntityID: to, ActorID: caller,
			Payload: events.EventPayload{"to": to, "amount": amount},
		})
	}, telemetry.AttrAmount.Int64(int64(amount)))
	if err != nil {
		return domain.Account{}, err
	}
	return e.Ledger.Account(ctx, to)
}
