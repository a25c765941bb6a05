package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// advisoryLockKey is shared by every edunexus migrator, so replicas that start together
// apply the schema once.
const advisoryLockKey int64 = 0x65647578

// ErrNothingApplied is returned by Down on an empty history.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager applies the schema and seed files in fsys and records them in bookkeeping tables.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the schema bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seed bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager reads migrations from migrationsDir and seeds from seedsDir inside fsys.
// Either directory may be empty.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// File is an SQL file in the source FS. Base is the name kept in the bookkeeping table.
type File struct {
	Base string
	Path string
}

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Up applies every pending migration in name order. Each file and its bookkeeping row
// commit together.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func() error {
		pending, err := m.Pending(ctx)
		if err != nil {
			return err
		}
		record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.migrationsTable)
		for _, f := range pending {
			if err := m.apply(ctx, f.Path, record, f.Base, time.Now().UTC()); err != nil {
				return fmt.Errorf("migrate up %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// Down reverts the latest applied migration with its .down.sql pair.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func() error {
		history, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNothingApplied
		}
		last := history[len(history)-1].Name
		downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, upSuffix)+downSuffix)
		if _, err := fs.Stat(m.fsys, downPath); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		if err := m.apply(ctx, downPath, forget, last); err != nil {
			return fmt.Errorf("migrate down %s: %w", last, err)
		}
		return nil
	})
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

// Pending lists the migrations Up would apply, in order.
func (m *Manager) Pending(ctx context.Context) ([]File, error) {
	history, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, m.migrationsDir, upSuffix)
	if err != nil {
		return nil, err
	}
	return notApplied(files, history), nil
}

// Seed loads seed files that have not run yet. Seeds are written to be idempotent, the
// bookkeeping only saves re-running them.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func() error {
		if err := m.ensureTables(ctx); err != nil {
			return err
		}
		history, err := m.history(ctx, m.seedsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.fsys, m.seedsDir, seedSuffix)
		if err != nil {
			return err
		}
		record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.seedsTable)
		for _, f := range notApplied(files, history) {
			if err := m.apply(ctx, f.Path, record, f.Base, time.Now().UTC()); err != nil {
				return fmt.Errorf("seed %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// locked runs fn while holding the session advisory lock on a dedicated connection.
func (m *Manager) locked(ctx context.Context, fn func() error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration lock connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, advisoryLockKey)
	}()
	return fn()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

// apply runs every statement of the file at name, then bookkeeping with args, in one
// transaction.
func (m *Manager) apply(ctx context.Context, name, bookkeeping string, args ...any) error {
	src, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(src)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func notApplied(files []File, history []Applied) []File {
	done := make(map[string]bool, len(history))
	for _, a := range history {
		done[a.Name] = true
	}
	var out []File
	for _, f := range files {
		if !done[f.Base] {
			out = append(out, f)
		}
	}
	return out
}

// collectSQL lists the files in dir ending in suffix, sorted by name. A missing dir is empty.
func collectSQL(fsys fs.FS, dir, suffix string) ([]File, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, File{Base: e.Name(), Path: path.Join(dir, e.Name())})
	}
	return files, nil
}

// splitStatements cuts src on semicolons that are outside quoted text and comments.
// Quoted text covers 'literals' with doubled quotes and $tag$ bodies; comments are dropped.
func splitStatements(src string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); {
		switch c := src[i]; {
		case strings.HasPrefix(src[i:], "--"):
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				i = len(src)
				continue
			}
			i += end
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
				continue
			}
			i += end + 4
			cur.WriteByte(' ')
		case c == '\'':
			end := closingQuote(src, i+1)
			cur.WriteString(src[i:end])
			i = end
		case c == '$':
			tag, ok := dollarTag(src[i:])
			if !ok {
				cur.WriteByte(c)
				i++
				continue
			}
			end := len(src)
			if j := strings.Index(src[i+len(tag):], tag); j >= 0 {
				end = i + len(tag) + j + len(tag)
			}
			cur.WriteString(src[i:end])
			i = end
		case c == ';':
			cur.WriteByte(c)
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// closingQuote returns the index just past the quote that ends a literal opened before j.
func closingQuote(src string, j int) int {
	for j < len(src) {
		if src[j] == '\'' {
			if j+1 < len(src) && src[j+1] == '\'' {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(src)
}

// dollarTag reports the $tag$ opening s, if any. Positional parameters such as $1 are not tags.
func dollarTag(s string) (string, bool) {
	for k := 1; k < len(s); k++ {
		c := s[k]
		switch {
		case c == '$':
			return s[:k+1], true
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case k > 1 && c >= '0' && c <= '9':
		default:
			return "", false
		}
	}
	return "", false
}
