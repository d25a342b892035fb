package queue

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

// fakeDB scripts the rows returned for successive queries so the SQL paths
// in Queue can run without Postgres. Implements driver.Connector.
type fakeDB struct {
	mu      sync.Mutex
	queries []string
	args    [][]driver.NamedValue
	results []fakeResult
}

type fakeResult struct {
	columns []string
	rows    [][]driver.Value
}

func (f *fakeDB) Connect(context.Context) (driver.Conn, error) { return &fakeConn{db: f}, nil }
func (f *fakeDB) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open through the connector")
}

type fakeConn struct {
	db *fakeDB
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("begin not supported") }

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	c.db.queries = append(c.db.queries, query)
	c.db.args = append(c.db.args, args)

	if len(c.db.results) == 0 {
		return &fakeRows{}, nil
	}
	res := c.db.results[0]
	c.db.results = c.db.results[1:]
	return &fakeRows{columns: res.columns, rows: res.rows}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func newFakeQueue(results ...fakeResult) (*Queue, *fakeDB) {
	db := &fakeDB{results: results}
	return New(sql.OpenDB(db), 5), db
}

func idRow(id string) fakeResult {
	return fakeResult{columns: []string{"id"}, rows: [][]driver.Value{{id}}}
}

func noRows() fakeResult {
	return fakeResult{columns: []string{"id"}}
}

func TestEnqueue_InsertsNewJob(t *testing.T) {
	q, db := newFakeQueue(idRow("new-job-id"))

	got, err := q.Enqueue(context.Background(), "subscription:renew",
		map[string]string{"subscription_id": "sub-1"},
		Options{Priority: 10, IdempotencyKey: "subscription-renew:sub-1:12345"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "new-job-id" {
		t.Errorf("expected the inserted id back, got %s", got)
	}

	if len(db.queries) != 1 {
		t.Fatalf("expected a single insert, got %d queries", len(db.queries))
	}

	// Dedup rides on the partial unique index; the insert has to target it.
	insert := db.queries[0]
	if !strings.Contains(insert, "ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'processing')") {
		t.Errorf("insert does not target the partial idempotency index:\n%s", insert)
	}
	if !strings.Contains(insert, "DO NOTHING") {
		t.Errorf("duplicate inserts must be no-ops:\n%s", insert)
	}
}

func TestEnqueue_DuplicateKeyReturnsExistingJob(t *testing.T) {
	// Insert hits the conflict (no row returned), lookup finds the job
	// already in flight under the same key.
	q, db := newFakeQueue(noRows(), idRow("in-flight-job-id"))

	got, err := q.Enqueue(context.Background(), "subscription:renew",
		map[string]string{"subscription_id": "sub-1"},
		Options{Priority: 10, IdempotencyKey: "subscription-renew:sub-1:12345"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "in-flight-job-id" {
		t.Errorf("expected the in-flight job's id, got %s", got)
	}

	if len(db.queries) != 2 {
		t.Fatalf("expected insert then lookup, got %d queries", len(db.queries))
	}
	if !strings.Contains(db.queries[1], "WHERE idempotency_key = $1 AND status IN ('pending', 'processing')") {
		t.Errorf("lookup must match the index predicate:\n%s", db.queries[1])
	}
	if len(db.args[1]) != 1 || db.args[1][0].Value != "subscription-renew:sub-1:12345" {
		t.Errorf("lookup did not use the idempotency key, got %v", db.args[1])
	}
}

func TestEnqueue_RetriesWhenConflictingJobFinished(t *testing.T) {
	// The conflicting job completes between the insert and the lookup: both
	// come back empty. The enqueue must go through on a second insert, not
	// fail.
	q, db := newFakeQueue(noRows(), noRows(), idRow("retried-job-id"))

	got, err := q.Enqueue(context.Background(), "mailbox:sync",
		map[string]string{"connection_id": "conn-1"},
		Options{IdempotencyKey: "mailbox-sync:conn-1"})
	if err != nil {
		t.Fatalf("expected the retried insert to succeed, got %v", err)
	}
	if got != "retried-job-id" {
		t.Errorf("expected the retried insert's id, got %s", got)
	}
	if len(db.queries) != 3 {
		t.Errorf("expected insert, lookup, insert, got %d queries", len(db.queries))
	}
}

func TestEnqueue_WithoutKeyPassesNullKey(t *testing.T) {
	q, db := newFakeQueue(idRow("plain-job-id"))

	if _, err := q.Enqueue(context.Background(), "mail:send", map[string]string{}, Options{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Ordinal 7 is idempotency_key; no key means NULL, which the partial
	// index ignores entirely.
	if got := db.args[0][6].Value; got != nil {
		t.Errorf("expected NULL idempotency key, got %v", got)
	}
}
