package tenant_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

// fakeDB is a database/sql driver whose connections keep their own session and
// transaction-local settings, like Postgres backends do. Reads from principals are
// filtered by the app.tenant_id setting of the connection they run on.
type fakeDB struct {
	mu        sync.Mutex
	members   []fakeMember
	opened    int
	commits   int
	rollbacks int
	failSet   bool
}

type fakeMember struct {
	id, tenant, email, role, status string
}

func newFakeDB(t *testing.T, maxOpen int, members ...fakeMember) (*sql.DB, *fakeDB) {
	t.Helper()
	fdb := &fakeDB{members: members}
	db := sql.OpenDB(&fakeConnector{db: fdb})
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	t.Cleanup(func() { _ = db.Close() })
	return db, fdb
}

func (f *fakeDB) counts() (commits, rollbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits, f.rollbacks
}

type fakeConnector struct{ db *fakeDB }

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.opened++
	return &fakeConn{db: c.db, id: c.db.opened, session: map[string]string{}}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fakedb: use the connector")
}

type fakeConn struct {
	db      *fakeDB
	id      int
	session map[string]string
	local   map[string]string
	inTx    bool
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fakedb: prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.inTx = true
	c.local = map[string]string{}
	return &fakeTx{c: c}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if _, err := c.run(query, args); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.run(query, args)
}

func (c *fakeConn) setting(key string) string {
	if v, ok := c.local[key]; ok {
		return v
	}
	return c.session[key]
}

func (c *fakeConn) run(query string, args []driver.NamedValue) (driver.Rows, error) {
	str := func(i int) string {
		if i >= len(args) {
			return ""
		}
		s, _ := args[i].Value.(string)
		return s
	}
	switch {
	case strings.Contains(query, "set_config('app.tenant_id'"):
		c.db.mu.Lock()
		fail := c.db.failSet
		c.db.mu.Unlock()
		if fail {
			return nil, errors.New("fakedb: permission denied to set parameter")
		}
		// is_local outside a transaction lasts only for the statement
		if c.inTx {
			c.local["app.tenant_id"] = str(0)
			c.local["app.principal_id"] = str(1)
			c.local["app.role"] = str(2)
		}
		return oneRow([]string{"a", "b", "c"}, str(0), str(1), str(2)), nil

	case strings.Contains(query, "set_config($1"):
		key, val := str(0), str(1)
		isLocal := strings.Contains(query, "true")
		if len(args) > 2 {
			isLocal, _ = args[2].Value.(bool)
		}
		switch {
		case !isLocal:
			c.session[key] = val
		case c.inTx:
			c.local[key] = val
		}
		return oneRow([]string{"set_config"}, val), nil

	case strings.Contains(query, "current_setting"):
		return oneRow([]string{"current_setting"}, c.setting(str(0))), nil

	case strings.Contains(query, "from principals"):
		scoped := c.setting("app.tenant_id")
		explicit := str(0)
		rows := &fakeRows{cols: []string{"id", "email", "role", "status"}}
		c.db.mu.Lock()
		for _, m := range c.db.members {
			if m.tenant != scoped || (explicit != "" && m.tenant != explicit) {
				continue
			}
			rows.data = append(rows.data, []driver.Value{m.id, m.email, m.role, m.status})
		}
		c.db.mu.Unlock()
		return rows, nil
	}
	return nil, errors.New("fakedb: unsupported query: " + query)
}

type fakeTx struct{ c *fakeConn }

func (t *fakeTx) Commit() error {
	t.c.inTx = false
	t.c.local = nil
	t.c.db.mu.Lock()
	t.c.db.commits++
	t.c.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.c.inTx = false
	t.c.local = nil
	t.c.db.mu.Lock()
	t.c.db.rollbacks++
	t.c.db.mu.Unlock()
	return nil
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func oneRow(cols []string, vals ...string) *fakeRows {
	row := make([]driver.Value, len(vals))
	for i, v := range vals {
		row[i] = v
	}
	return &fakeRows{cols: cols, data: [][]driver.Value{row}}
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.i])
	r.i++
	return nil
}
