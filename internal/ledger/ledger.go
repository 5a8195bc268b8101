package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bountyline/internal/db"
	"bountyline/internal/domain"
)

const (
	KindWallet   = "wallet"
	KindEscrow   = "escrow"
	KindTreasury = "treasury"
)

// Ledger keeps balances and the transfer journal. Mutating calls run inside
// the caller's transaction so a balance move commits or rolls back together
// with the state change that caused it.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() int64 {
	if l.Now != nil {
		return l.Now().Unix()
	}
	return time.Now().Unix()
}

// Open creates a new account. An existing address fails AccountExists.
func (l Ledger) Open(ctx context.Context, q db.Querier, addr Address, kind, owner string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO accounts(address,kind,owner,balance,created_at) VALUES (?,?,?,0,?)`,
		addr, kind, nullable(owner), l.now())
	if db.IsUniqueViolation(err) {
		return domain.ErrAccountExists.WithMessage("account %s already exists", addr)
	}
	return err
}

// Ensure opens the account when it does not exist yet.
func (l Ledger) Ensure(ctx context.Context, q db.Querier, addr Address, kind, owner string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(address,kind,owner,balance,created_at) VALUES (?,?,?,0,?)`,
		addr, kind, nullable(owner), l.now())
	return err
}

// Transfer moves amount from one account to another. The destination is
// opened as a wallet when missing.
func (l Ledger) Transfer(ctx context.Context, q db.Querier, from, to Address, amount uint64, memo string) error {
	if amount == 0 {
		return domain.ErrInvalidAmount.WithMessage("transfer amount must be positive")
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if from == to {
		return domain.ErrInvalidArgument.WithMessage("transfer to self")
	}
	bal, err := l.balance(ctx, q, from)
	if err != nil {
		if domain.CodeOf(err) != domain.ErrNotFound.Code {
			return err
		}
		bal = 0
	}
	if bal < amount {
		return domain.ErrInsufficientFunds.WithMessage("%s holds %d, needs %d", from, bal, amount)
	}
	if err := l.Ensure(ctx, q, to, KindWallet, ""); err != nil {
		return err
	}
	if err := l.credit(ctx, q, to, amount); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE address=?`, int64(amount), from); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	return l.journal(ctx, q, from, to, amount, memo)
}

// Deposit credits an account with externally sourced funds.
func (l Ledger) Deposit(ctx context.Context, q db.Querier, to Address, amount uint64, memo string) error {
	if amount == 0 {
		return domain.ErrInvalidAmount.WithMessage("deposit amount must be positive")
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if err := l.Ensure(ctx, q, to, KindWallet, ""); err != nil {
		return err
	}
	if err := l.credit(ctx, q, to, amount); err != nil {
		return err
	}
	return l.journal(ctx, q, "", to, amount, memo)
}

func (l Ledger) credit(ctx context.Context, q db.Querier, to Address, amount uint64) error {
	cur, err := l.balance(ctx, q, to)
	if err != nil {
		return err
	}
	next, err := CheckedAdd(cur, amount)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE accounts SET balance=? WHERE address=?`, int64(next), to); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (l Ledger) journal(ctx context.Context, q db.Querier, from, to Address, amount uint64, memo string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO transfers(ts,from_addr,to_addr,amount,memo) VALUES (?,?,?,?,?)`,
		l.now(), nullable(from), to, int64(amount), nullable(memo))
	if err != nil {
		return fmt.Errorf("journal transfer: %w", err)
	}
	return nil
}

func (l Ledger) balance(ctx context.Context, q db.Querier, addr Address) (uint64, error) {
	var bal int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address=?`, addr).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound.WithMessage("account %s not found", addr)
	}
	if err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

// BalanceTx reads a balance inside a transaction.
func (l Ledger) BalanceTx(ctx context.Context, tx *sql.Tx, addr Address) (uint64, error) {
	return l.balance(ctx, tx, addr)
}

// Balance returns the balance of addr, or zero for an unknown address.
func (l Ledger) Balance(ctx context.Context, addr Address) (uint64, error) {
	bal, err := l.balance(ctx, l.DB, addr)
	if err != nil && domain.CodeOf(err) == domain.ErrNotFound.Code {
		return 0, nil
	}
	return bal, err
}

func (l Ledger) Account(ctx context.Context, addr Address) (domain.Account, error) {
	var (
		a     domain.Account
		owner sql.NullString
		bal   int64
	)
	err := l.DB.QueryRowContext(ctx, `SELECT address,kind,owner,balance,created_at FROM accounts WHERE address=?`, addr).
		Scan(&a.Address, &a.Kind, &owner, &bal, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, domain.ErrNotFound.WithMessage("account %s not found", addr)
	}
	if err != nil {
		return a, err
	}
	a.Owner = owner.String
	a.Balance = uint64(bal)
	return a, nil
}

// History returns the most recent transfers touching addr, newest first.
func (l Ledger) History(ctx context.Context, addr Address, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,COALESCE(from_addr,''),to_addr,amount,COALESCE(memo,'') FROM transfers
WHERE from_addr=? OR to_addr=? ORDER BY id DESC LIMIT ?`, addr, addr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var amount int64
		if err := rows.Scan(&t.ID, &t.TS, &t.From, &t.To, &amount, &t.Memo); err != nil {
			return nil, err
		}
		t.Amount = uint64(amount)
		res = append(res, t)
	}
	return res, rows.Err()
}

// Supply returns the sum of all balances. Transfers never change it.
func (l Ledger) Supply(ctx context.Context) (uint64, error) {
	var total int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance),0) FROM accounts`).Scan(&total); err != nil {
		return 0, err
	}
	return uint64(total), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
