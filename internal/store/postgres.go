package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/creditops/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const sessionColumns = `payment_id, reference_code, user_id, tenant_id, requested_amount, expected_amount,
	credit_rate, qr_payload, timeout_seconds, status, confirmed_by, created_at, expires_at, closed_at`

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema files in name order. Every file is
// written to be re-runnable.
func (s *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.Db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *Postgres) GetOrCreateAccount(ctx context.Context, userID string, startingBalance int64, at time.Time) (domain.CreditAccount, error) {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO credit_accounts (user_id, balance, created_at, last_updated) VALUES ($1, $2, $3, $3) ON CONFLICT (user_id) DO NOTHING",
		userID, startingBalance, at,
	)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("account insert failed: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

// GetAccount retrieves a single account by user ID.
func (s *Postgres) GetAccount(ctx context.Context, userID string) (domain.CreditAccount, error) {
	var acc domain.CreditAccount
	err := s.Db.QueryRow(ctx,
		"SELECT user_id, balance, created_at, last_updated FROM credit_accounts WHERE user_id = $1",
		userID,
	).Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditAccount{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

func (s *Postgres) Credit(ctx context.Context, m Mutation) (domain.CreditAccount, domain.CreditTransaction, error) {
	var (
		acc domain.CreditAccount
		txn domain.CreditTransaction
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// 1. Claim the payment before touching the balance
		if err := claimPayment(ctx, tx, m, m.Amount); err != nil {
			return err
		}

		// 2. Lock (or create) the account row
		var err error
		acc, err = lockAccount(ctx, tx, m.UserID, m.StartingBalance, m.At, true)
		if err != nil {
			return err
		}

		// 3. Apply the entry
		acc, txn, err = applyEntry(ctx, tx, acc, m.Amount, m)
		return err
	})
	return acc, txn, err
}

func (s *Postgres) Debit(ctx context.Context, m Mutation) (domain.CreditAccount, domain.CreditTransaction, error) {
	var (
		acc domain.CreditAccount
		txn domain.CreditTransaction
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := claimPayment(ctx, tx, m, -m.Amount); err != nil {
			return err
		}

		var err error
		acc, err = lockAccount(ctx, tx, m.UserID, 0, m.At, false)
		if err != nil {
			return err
		}
		if acc.Balance < m.Amount {
			return domain.ErrInsufficientCredits
		}

		acc, txn, err = applyEntry(ctx, tx, acc, -m.Amount, m)
		return err
	})
	return acc, txn, err
}

// ListTransactions retrieves ledger entries for a user, newest first.
func (s *Postgres) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	query := `SELECT id, user_id, amount, type, payment_id, description, balance_after, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transactions query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.CreditTransaction
	for rows.Next() {
		var (
			t   domain.CreditTransaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &typ, &t.PaymentID, &t.Description, &t.BalanceAfter, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		t.Type = domain.TransactionType(typ)
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

func (s *Postgres) GetProcessedPayment(ctx context.Context, paymentID string) (domain.ProcessedPayment, error) {
	var (
		p      domain.ProcessedPayment
		source string
	)
	err := s.Db.QueryRow(ctx,
		"SELECT payment_id, user_id, credits, source, processed_at FROM processed_payments WHERE payment_id = $1",
		paymentID,
	).Scan(&p.PaymentID, &p.UserID, &p.Credits, &source, &p.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProcessedPayment{}, ErrNotFound
	}
	if err != nil {
		return domain.ProcessedPayment{}, fmt.Errorf("processed payment query failed: %w", err)
	}
	p.Source = domain.ConfirmSource(source)
	return p, nil
}

func (s *Postgres) CreateSession(ctx context.Context, ps domain.PaymentSession) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ps.PaymentID, ps.ReferenceCode, ps.UserID, ps.TenantID, ps.RequestedAmount, ps.ExpectedAmount,
		ps.CreditRate, ps.QRPayload, ps.TimeoutSeconds, string(ps.Status), string(ps.ConfirmedBy),
		ps.CreatedAt, ps.ExpiresAt, ps.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSessionExists
		}
		return fmt.Errorf("session insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, paymentID string) (domain.PaymentSession, error) {
	return scanSession(s.Db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE payment_id = $1", paymentID))
}

func (s *Postgres) GetSessionByReference(ctx context.Context, referenceCode string) (domain.PaymentSession, error) {
	return scanSession(s.Db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE reference_code = $1", referenceCode))
}

func (s *Postgres) ListPendingSessions(ctx context.Context) ([]domain.PaymentSession, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE status = 'pending' ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("pending sessions query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentSession
	for rows.Next() {
		ps, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *Postgres) CloseSession(ctx context.Context, paymentID string, to domain.SessionStatus, at time.Time) (domain.PaymentSession, error) {
	if to != domain.SessionExpired && to != domain.SessionCancelled {
		return domain.PaymentSession{}, ErrInvalidTransition
	}

	var ps domain.PaymentSession
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		ps, err = lockSession(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(ps.Status, to) {
			return domain.ClosedSessionError(ps.Status)
		}

		_, err = tx.Exec(ctx,
			"UPDATE payment_sessions SET status = $2, closed_at = $3 WHERE payment_id = $1",
			paymentID, string(to), at,
		)
		if err != nil {
			return fmt.Errorf("session update failed: %w", err)
		}
		ps.Status = to
		ps.ClosedAt = &at
		return nil
	})
	return ps, err
}

// SettleSession confirms a pending session and credits its owner. The session
// row lock serializes concurrent triggers; the processed_payments primary key
// backs it up should a session ever be settled outside this path.
func (s *Postgres) SettleSession(ctx context.Context, req SettleRequest) (domain.Settlement, error) {
	var (
		out              domain.Settlement
		claimedElsewhere bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// 1. Lock the session and require pending
		ps, err := lockSession(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		out.Session = ps
		if ps.Status != domain.SessionPending {
			return domain.ClosedSessionError(ps.Status)
		}

		m := Mutation{
			UserID:      ps.UserID,
			Amount:      ps.Credits(),
			Type:        domain.TransactionTopup,
			PaymentID:   ps.PaymentID,
			Source:      req.Source,
			Description: req.Description,
			At:          req.At,
		}

		// 2. Claim the payment id. A direct credit may have claimed it
		// already; the session is then closed without a second credit.
		err = claimPayment(ctx, tx, m, m.Amount)
		if errors.Is(err, domain.ErrDuplicatePayment) {
			ps, err = confirmClaimed(ctx, tx, ps, req.At)
			if err != nil {
				return err
			}
			out.Session = ps
			claimedElsewhere = true
			return nil
		}
		if err != nil {
			return err
		}

		// 3. Credit the account
		acc, err := lockAccount(ctx, tx, ps.UserID, req.StartingBalance, req.At, true)
		if err != nil {
			return err
		}
		acc, txn, err := applyEntry(ctx, tx, acc, m.Amount, m)
		if err != nil {
			return err
		}

		// 4. Close the session
		_, err = tx.Exec(ctx,
			"UPDATE payment_sessions SET status = 'confirmed', confirmed_by = $2, closed_at = $3 WHERE payment_id = $1",
			ps.PaymentID, string(req.Source), req.At,
		)
		if err != nil {
			return fmt.Errorf("session update failed: %w", err)
		}

		ps.Status = domain.SessionConfirmed
		ps.ConfirmedBy = req.Source
		closedAt := req.At
		ps.ClosedAt = &closedAt
		out = domain.Settlement{Session: ps, Account: acc, Transaction: txn}
		return nil
	})
	if err != nil {
		return domain.Settlement{Session: out.Session}, err
	}
	if claimedElsewhere {
		return domain.Settlement{Session: out.Session}, domain.ErrClaimedOutsideSession
	}
	return out, nil
}

// confirmClaimed closes a session whose payment id is already in
// processed_payments, recording the source of the existing claim.
func confirmClaimed(ctx context.Context, tx pgx.Tx, ps domain.PaymentSession, at time.Time) (domain.PaymentSession, error) {
	var source string
	err := tx.QueryRow(ctx, "SELECT source FROM processed_payments WHERE payment_id = $1", ps.PaymentID).Scan(&source)
	if err != nil {
		return ps, fmt.Errorf("processed payment lookup failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		"UPDATE payment_sessions SET status = 'confirmed', confirmed_by = $2, closed_at = $3 WHERE payment_id = $1",
		ps.PaymentID, source, at,
	)
	if err != nil {
		return ps, fmt.Errorf("session update failed: %w", err)
	}
	ps.Status = domain.SessionConfirmed
	ps.ConfirmedBy = domain.ConfirmSource(source)
	ps.ClosedAt = &at
	return ps, nil
}

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func claimPayment(ctx context.Context, tx pgx.Tx, m Mutation, credits int64) error {
	if m.PaymentID == "" {
		return nil
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_payments (payment_id, user_id, credits, source, processed_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (payment_id) DO NOTHING`,
		m.PaymentID, m.UserID, credits, string(m.Source), m.At,
	)
	if err != nil {
		return fmt.Errorf("payment claim failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicatePayment
	}
	return nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, userID string, startingBalance int64, at time.Time, create bool) (domain.CreditAccount, error) {
	if create {
		_, err := tx.Exec(ctx,
			"INSERT INTO credit_accounts (user_id, balance, created_at, last_updated) VALUES ($1, $2, $3, $3) ON CONFLICT (user_id) DO NOTHING",
			userID, startingBalance, at,
		)
		if err != nil {
			return domain.CreditAccount{}, fmt.Errorf("account insert failed: %w", err)
		}
	}

	var acc domain.CreditAccount
	err := tx.QueryRow(ctx,
		"SELECT user_id, balance, created_at, last_updated FROM credit_accounts WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditAccount{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return acc, nil
}

func applyEntry(ctx context.Context, tx pgx.Tx, acc domain.CreditAccount, delta int64, m Mutation) (domain.CreditAccount, domain.CreditTransaction, error) {
	err := tx.QueryRow(ctx,
		"UPDATE credit_accounts SET balance = balance + $1, last_updated = $2 WHERE user_id = $3 RETURNING balance, last_updated",
		delta, m.At, acc.UserID,
	).Scan(&acc.Balance, &acc.LastUpdated)
	if err != nil {
		return domain.CreditAccount{}, domain.CreditTransaction{}, fmt.Errorf("balance update failed: %w", err)
	}

	txn := domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       acc.UserID,
		Amount:       delta,
		Type:         m.Type,
		PaymentID:    m.PaymentID,
		Description:  m.Description,
		BalanceAfter: acc.Balance,
		Timestamp:    m.At,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, type, payment_id, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Amount, string(txn.Type), txn.PaymentID, txn.Description, txn.BalanceAfter, txn.Timestamp,
	)
	if err != nil {
		return domain.CreditAccount{}, domain.CreditTransaction{}, fmt.Errorf("ledger entry failed: %w", err)
	}
	return acc, txn, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, paymentID string) (domain.PaymentSession, error) {
	return scanSession(tx.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE payment_id = $1 FOR UPDATE", paymentID))
}

func scanSession(row pgx.Row) (domain.PaymentSession, error) {
	var (
		ps          domain.PaymentSession
		status      string
		confirmedBy string
	)
	err := row.Scan(
		&ps.PaymentID, &ps.ReferenceCode, &ps.UserID, &ps.TenantID, &ps.RequestedAmount, &ps.ExpectedAmount,
		&ps.CreditRate, &ps.QRPayload, &ps.TimeoutSeconds, &status, &confirmedBy,
		&ps.CreatedAt, &ps.ExpiresAt, &ps.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("session scan failed: %w", err)
	}
	ps.Status = domain.SessionStatus(status)
	ps.ConfirmedBy = domain.ConfirmSource(confirmedBy)
	return ps, nil
}
