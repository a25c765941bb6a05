package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"edunexus.org/internal/auth"
)

// Sessions is the auth.SessionStore view of Store.
type Sessions struct{ s *Store }

const sessionColumns = `id, principal_id, token_hash, device_info, issued_at, expires_at,
	revoked, revoked_at, replaced_by`

func scanSession(row rowScanner) (*auth.Session, error) {
	var (
		sess       auth.Session
		device     sql.NullString
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.PrincipalID, &sess.TokenHash, &device, &sess.IssuedAt,
		&sess.ExpiresAt, &sess.Revoked, &revokedAt, &replacedBy); err != nil {
		return nil, err
	}
	sess.DeviceInfo = device.String
	sess.ReplacedBy = replacedBy.String
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time
	}
	return &sess, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, sess *auth.Session) error {
	_, err := db.ExecContext(ctx, `
		insert into sessions (id, principal_id, token_hash, device_info, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.PrincipalID, sess.TokenHash, nullIfEmpty(sess.DeviceInfo), sess.IssuedAt, sess.ExpiresAt)
	return err
}

func (r *Sessions) Create(ctx context.Context, sess *auth.Session) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return classify("create session", insertSession(ctx, r.s.db, sess))
}

func (r *Sessions) Find(ctx context.Context, id string) (*auth.Session, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	sess, err := scanSession(r.s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id = $1`, id))
	if err != nil {
		return nil, classify("find session", err)
	}
	return sess, nil
}

// Rotate claims the old row with a conditional update and inserts the replacement in the
// same transaction. Exactly one of several concurrent callers can match the claim.
func (r *Sessions) Rotate(ctx context.Context, req auth.RotateRequest) error {
	if req.Next == nil {
		return auth.ErrInvalidInput
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin rotate", err)
	}
	defer func() { _ = tx.Rollback() }()

	var claimed string
	err = tx.QueryRowContext(ctx, `
		update sessions
		set revoked = true, revoked_at = $3, replaced_by = $4
		where id = $1 and token_hash = $2 and not revoked and expires_at > $3
		returning id
	`, req.OldID, req.OldHash, req.Now, req.Next.ID).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotClaimed
	}
	if err != nil {
		return classify("claim session", err)
	}
	if err := insertSession(ctx, tx, req.Next); err != nil {
		return classify("insert rotated session", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit rotate", err)
	}
	return nil
}

// Revoke is idempotent: an already revoked session keeps its original revoked_at.
func (r *Sessions) Revoke(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoked_at = coalesce(revoked_at, $2)
		where id = $1
	`, id, at)
	return requireOne("revoke session", res, err)
}

func (r *Sessions) RevokeAll(ctx context.Context, principalID string, at time.Time) (int64, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoked_at = $2
		where principal_id = $1 and not revoked
	`, principalID, at)
	if err != nil {
		return 0, classify("revoke all sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("revoke all sessions", err)
	}
	return n, nil
}

func (r *Sessions) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		delete from sessions
		where expires_at < $1 or (revoked and revoked_at < $1)
	`, cutoff)
	if err != nil {
		return 0, classify("delete expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete expired sessions", err)
	}
	return n, nil
}
