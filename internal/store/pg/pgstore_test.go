package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/tenant"
)

func newMockStore(t *testing.T, timeout time.Duration) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, timeout), mock
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRotateClaimsAndInsertsInOneTransaction(t *testing.T) {
	st, mock := newMockStore(t, 0)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next := &auth.Session{
		ID:          "sess-2",
		PrincipalID: "p1",
		TokenHash:   "hash-2",
		IssuedAt:    now,
		ExpiresAt:   now.Add(14 * 24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("update sessions").
		WithArgs("sess-1", "hash-1", now, "sess-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sess-1"))
	mock.ExpectExec("insert into sessions").
		WithArgs("sess-2", "p1", "hash-2", nil, now, next.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.Sessions().Rotate(context.Background(), auth.RotateRequest{OldID: "sess-1", OldHash: "hash-1", Now: now, Next: next})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	checkExpectations(t, mock)
}

func TestRotateReportsUnclaimedAndRollsBack(t *testing.T) {
	st, mock := newMockStore(t, 0)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("update sessions").
		WithArgs("sess-1", "hash-1", now, "sess-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := st.Sessions().Rotate(context.Background(), auth.RotateRequest{
		OldID: "sess-1", OldHash: "hash-1", Now: now, Next: &auth.Session{ID: "sess-2"},
	})
	if !errors.Is(err, auth.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestRecordFailureReturnsCountAndLock(t *testing.T) {
	st, mock := newMockStore(t, 0)
	until := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)

	mock.ExpectQuery("update principals").
		WithArgs("p1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempt_count", "locked_until"}).AddRow(5, until))
	mock.ExpectQuery("update principals").
		WithArgs("p2", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempt_count", "locked_until"}).AddRow(2, nil))

	n, locked, err := st.Principals().RecordFailure(context.Background(), "p1", 5, until)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if n != 5 || !locked.Equal(until) {
		t.Fatalf("unexpected result %d %v", n, locked)
	}
	n, locked, err = st.Principals().RecordFailure(context.Background(), "p2", 5, until)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if n != 2 || !locked.IsZero() {
		t.Fatalf("unexpected result %d %v", n, locked)
	}
	checkExpectations(t, mock)
}

func TestClearExpiredLockIsConditional(t *testing.T) {
	st, mock := newMockStore(t, 0)
	now := time.Date(2026, 3, 1, 9, 16, 0, 0, time.UTC)

	mock.ExpectExec("locked_until <= \\$2").WithArgs("p1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("locked_until <= \\$2").WithArgs("p1", now).WillReturnResult(sqlmock.NewResult(0, 0))

	cleared, err := st.Principals().ClearExpiredLock(context.Background(), "p1", now)
	if err != nil || !cleared {
		t.Fatalf("first clear: %v %v", cleared, err)
	}
	cleared, err = st.Principals().ClearExpiredLock(context.Background(), "p1", now)
	if err != nil || cleared {
		t.Fatalf("second clear: %v %v", cleared, err)
	}
	checkExpectations(t, mock)
}

func TestFindByEmailNormalizesAndScansNulls(t *testing.T) {
	st, mock := newMockStore(t, 0)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "tenant_id", "email", "password_hash", "role", "status",
		"failed_attempt_count", "locked_until", "created_at", "updated_at"}

	mock.ExpectQuery("from principals where email = \\$1").
		WithArgs("root@edunexus.example").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("root", nil, "root@edunexus.example", "$2a$hash", "super_admin", "active", 0, nil, created, created))
	mock.ExpectQuery("from principals where email = \\$1").
		WithArgs("ghost@edunexus.example").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := st.Principals().FindByEmail(context.Background(), "Root@EduNexus.example")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if p.TenantID != "" || p.Role != auth.RoleSuperAdmin || !p.LockedUntil.IsZero() {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := st.Principals().FindByEmail(context.Background(), "ghost@edunexus.example"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestCreatePrincipalConflict(t *testing.T) {
	st, mock := newMockStore(t, 0)
	mock.ExpectQuery("insert into principals").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "principals_email_key"})

	err := st.Principals().Create(context.Background(), &auth.Principal{ID: "p1", Email: "a@b.example", Role: auth.RoleTeacher, TenantID: "s1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestRevokeMissingSession(t *testing.T) {
	st, mock := newMockStore(t, 0)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("coalesce\\(revoked_at, \\$2\\)").WithArgs("nope", at).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.Sessions().Revoke(context.Background(), "nope", at); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestDeleteExpiredReturnsCount(t *testing.T) {
	st, mock := newMockStore(t, 0)
	cutoff := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("delete from sessions").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := st.Sessions().DeleteExpired(context.Background(), cutoff)
	if err != nil || n != 7 {
		t.Fatalf("DeleteExpired: %d %v", n, err)
	}
	checkExpectations(t, mock)
}

func TestActiveTenantMissingIsNotFound(t *testing.T) {
	st, mock := newMockStore(t, 0)
	mock.ExpectQuery("from principal_active_tenant").WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	if _, err := st.GetActiveTenant(context.Background(), "p1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestUpsertGrantUnknownPrincipal(t *testing.T) {
	st, mock := newMockStore(t, 0)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("on conflict \\(principal_id, tenant_id\\)").
		WithArgs("ghost", "s2", "read", at, "root").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "tenant_access_principal_id_fkey"})

	err := st.UpsertGrant(context.Background(), &tenant.Grant{PrincipalID: "ghost", TenantID: "s2", Level: tenant.LevelRead, GrantedAt: at, GrantedBy: "root"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestAppendEncodesMetadata(t *testing.T) {
	st, mock := newMockStore(t, 0)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into audit_events").
		WithArgs("ev1", audit.UnauthorizedTenantAccess, "p1", nil, "s2", "s1", "203.0.113.7", nil, at, []byte(`{"reason":"no_grant"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Append(context.Background(), &audit.Event{
		ID:                "ev1",
		Type:              audit.UnauthorizedTenantAccess,
		PrincipalID:       "p1",
		AttemptedTenantID: "s2",
		ActualTenantID:    "s1",
		IP:                "203.0.113.7",
		OccurredAt:        at,
		Metadata:          map[string]string{"reason": "no_grant"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	checkExpectations(t, mock)
}

func TestSlowStoreFailsClosed(t *testing.T) {
	st, mock := newMockStore(t, 20*time.Millisecond)
	mock.ExpectQuery("from tenants").WithArgs("s1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "status"}).AddRow("s1", "School", nil, "active"))

	_, err := st.FindTenant(context.Background(), "s1")
	if !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: pgErrUniqueViolation}, auth.ErrConflict},
		{"foreign key", &pgconn.PgError{Code: pgErrForeignKeyViolation}, auth.ErrNotFound},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, auth.ErrStoreUnavailable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, auth.ErrStoreUnavailable},
		{"deadline", context.DeadlineExceeded, auth.ErrStoreUnavailable},
		{"bad conn", driver.ErrBadConn, auth.ErrStoreUnavailable},
		{"unknown driver error", errors.New("unexpected EOF"), auth.ErrStoreUnavailable},
		{"no rows", sql.ErrNoRows, auth.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify("op", tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	syntax := classify("op", &pgconn.PgError{Code: "42601"})
	if errors.Is(syntax, auth.ErrStoreUnavailable) || errors.Is(syntax, auth.ErrNotFound) {
		t.Fatalf("syntax errors are programming errors, got %v", syntax)
	}
}
