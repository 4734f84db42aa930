package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Postgres is the PostgreSQL Store. A Postgres returned inside Tx is bound to the
// transaction and has no pool.
type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgres creates a Store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

// Tx implements Store.
func (p *Postgres) Tx(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return fn(p)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&Postgres{db: tx})
	})
}

// Snapshot implements Store.
func (p *Postgres) Snapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	read := func(s *Postgres) (*Snapshot, error) {
		sess, err := s.GetSessionByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		attendees, err := s.ListAttendees(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		questions, err := s.ListQuestions(ctx, sessionID, QuestionFilter{})
		if err != nil {
			return nil, err
		}
		return &Snapshot{Session: sess, Attendees: attendees, Questions: questions}, nil
	}
	if p.pool == nil {
		return read(p)
	}
	var snap *Snapshot
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, p.pool, opts, func(tx pgx.Tx) error {
		var err error
		snap, err = read(&Postgres{db: tx})
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// mapErr translates driver errors into store errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
