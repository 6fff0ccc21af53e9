package tracing

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	"github.com/tebeka/atexit"
)

type sqliteChange struct {
	mant  uint64
	exp   int
	name  string
	value string
}

// SQLiteWriter writes signal changes to a SQLite database. Changes are
// buffered and written in batches.
type SQLiteWriter struct {
	*sql.DB
	statement       *sql.Stmt
	signalStatement *sql.Stmt

	dbName    string
	batchSize int
	pending   []sqliteChange
	last      map[string]signal.Value
	closed    bool
}

// NewSQLiteWriter creates a new SQLiteWriter. If path is empty, a unique
// name is generated when Init is called.
func NewSQLiteWriter(path string) *SQLiteWriter {
	w := &SQLiteWriter{
		dbName:    path,
		batchSize: 10000,
		last:      make(map[string]signal.Value),
	}

	atexit.Register(func() { _ = w.Close() })

	return w
}

// Init creates the database file and its tables.
func (t *SQLiteWriter) Init() error {
	if t.dbName == "" {
		t.dbName = "simbus_trace_" + xid.New().String() + ".sqlite3"
	}

	if _, err := os.Stat(t.dbName); err == nil {
		return errors.Errorf("file %s already exists", t.dbName)
	}

	db, err := sql.Open("sqlite3", t.dbName)
	if err != nil {
		return errors.Wrap(err, "open trace database")
	}

	t.DB = db

	if err := t.createTables(); err != nil {
		return err
	}

	return t.prepareStatements()
}

// Name returns the database file name.
func (t *SQLiteWriter) Name() string {
	return t.dbName
}

func (t *SQLiteWriter) createTables() error {
	stmts := []string{
		`CREATE TABLE signals
		(
			name  VARCHAR(200) NOT NULL PRIMARY KEY,
			width INTEGER      NOT NULL
		);`,
		`CREATE TABLE changes
		(
			time_mant TEXT         NOT NULL,
			time_exp  INTEGER      NOT NULL,
			name      VARCHAR(200) NOT NULL,
			value     TEXT         NOT NULL
		);`,
		`CREATE INDEX changes_name_index ON changes (name);`,
	}

	for _, s := range stmts {
		if _, err := t.Exec(s); err != nil {
			return errors.Wrap(err, "create trace tables")
		}
	}

	return nil
}

func (t *SQLiteWriter) prepareStatements() error {
	var err error

	t.statement, err = t.Prepare(`INSERT INTO changes VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare change statement")
	}

	t.signalStatement, err = t.Prepare(`INSERT INTO signals VALUES (?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare signal statement")
	}

	return nil
}

// Declare registers a signal.
func (t *SQLiteWriter) Declare(name string, width int) error {
	if t.DB == nil {
		return errors.New("sqlite trace is not initialized")
	}

	if width <= 0 {
		return errors.Errorf("signal %s has invalid width %d", name, width)
	}

	_, err := t.signalStatement.Exec(name, width)

	return errors.Wrapf(err, "declare signal %s", name)
}

// Record buffers a value change. Values equal to the last recorded one are
// skipped.
func (t *SQLiteWriter) Record(
	now timing.SimTime,
	name string,
	v signal.Value,
) error {
	if t.closed {
		return errors.New("sqlite trace: record after close")
	}

	if last, ok := t.last[name]; ok && last.Equal(v) {
		return nil
	}

	bits, err := v.Format()
	if err != nil {
		return err
	}

	t.last[name] = v.Clone()
	t.pending = append(t.pending, sqliteChange{
		mant:  now.Mant,
		exp:   now.Exp,
		name:  name,
		value: bits,
	})

	if len(t.pending) >= t.batchSize {
		return t.Flush()
	}

	return nil
}

// Flush writes all the buffered changes to the database.
func (t *SQLiteWriter) Flush() error {
	if len(t.pending) == 0 || t.DB == nil {
		return nil
	}

	tx, err := t.Begin()
	if err != nil {
		return errors.Wrap(err, "begin trace transaction")
	}

	stmt := tx.Stmt(t.statement)
	for _, c := range t.pending {
		_, err := stmt.Exec(fmt.Sprintf("%d", c.mant), c.exp, c.name, c.value)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert change of %s", c.name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit trace transaction")
	}

	t.pending = nil

	return nil
}

// Close flushes the buffered changes and closes the database.
func (t *SQLiteWriter) Close() error {
	if t.closed {
		return nil
	}

	err := t.Flush()
	t.closed = true

	if t.DB != nil {
		if cerr := t.DB.Close(); err == nil {
			err = cerr
		}
	}

	return err
}
