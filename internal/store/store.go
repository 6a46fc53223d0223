// Package store records fetched messages in the instance's relational
// database. Inserts are idempotent on (instance, natural key) so messages
// delivered twice are stored once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/semaphore"

	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/receiver"
	"github.com/tracyhatemice/mailbot/internal/retry"
)

// DB identifies one database; instances with equal DB share a pool.
type DB struct {
	Type     string // "mysql" or "postgres"
	Schema   string // "mailbot" or "vicidial"
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DBFor extracts the database settings of a resolved instance.
func DBFor(inst config.Instance) DB {
	return DB{
		Type:     inst.DBType,
		Schema:   inst.DBSchema,
		Host:     inst.DBHost,
		Port:     inst.DBPort,
		Name:     inst.DBName,
		User:     inst.DBUser,
		Password: inst.DBPassword,
	}
}

func (d DB) driver() string {
	if d.Type == "postgres" {
		return "pgx"
	}
	return "mysql"
}

func (d DB) dsn() string {
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	if d.Type == "postgres" {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   addr,
			Path:   "/" + d.Name,
		}
		return u.String()
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = d.Name
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

// Pool shares one connection pool per database between instances.
// Acquiring a connection slot is FIFO, so a busy instance cannot starve
// the others.
type Pool struct {
	maxConns int
	logger   *slog.Logger
	open     func(driver, dsn string) (*sql.DB, error)

	mu  sync.Mutex
	dbs map[string]*pooledDB
}

type pooledDB struct {
	db      *sql.DB
	sem     *semaphore.Weighted
	dialect dialect

	mu       sync.Mutex
	migrated bool
}

// NewPool returns a Pool allowing maxConns concurrent writers per database.
func NewPool(maxConns int, logger *slog.Logger) *Pool {
	return &Pool{
		maxConns: max(maxConns, 1),
		logger:   logger,
		open:     sql.Open,
		dbs:      make(map[string]*pooledDB),
	}
}

func (p *Pool) get(d DB) (*pooledDB, error) {
	dsn := d.dsn()
	key := d.Schema + "|" + dsn

	p.mu.Lock()
	defer p.mu.Unlock()
	if pdb, ok := p.dbs[key]; ok {
		return pdb, nil
	}

	db, err := p.open(d.driver(), dsn)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("open database %s: %w", d.Name, err))
	}
	db.SetMaxOpenConns(p.maxConns)
	db.SetMaxIdleConns(p.maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pdb := &pooledDB{
		db:      db,
		sem:     semaphore.NewWeighted(int64(p.maxConns)),
		dialect: dialectFor(d.Type, d.Schema),
	}
	p.dbs[key] = pdb
	p.logger.Info("opened database pool", "type", d.driver(), "schema", pdb.dialect.name, "host", d.Host, "db", d.Name)
	return pdb, nil
}

// Persist stores msgs for instance in one transaction and returns how many
// were new. Messages already stored are skipped.
func (p *Pool) Persist(ctx context.Context, d DB, instance string, msgs []receiver.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	pdb, err := p.get(d)
	if err != nil {
		return 0, err
	}

	if err := pdb.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer pdb.sem.Release(1)

	if err := pdb.migrate(ctx); err != nil {
		return 0, classify(err)
	}

	insert := pdb.insert
	if pdb.dialect.vicidial {
		insert = pdb.insertVicidial
	}
	inserted, err := insert(ctx, instance, msgs)
	if err != nil {
		return 0, classify(err)
	}
	return inserted, nil
}

func (pdb *pooledDB) migrate(ctx context.Context) error {
	pdb.mu.Lock()
	defer pdb.mu.Unlock()
	if pdb.migrated {
		return nil
	}
	if _, err := pdb.db.ExecContext(ctx, pdb.dialect.schema); err != nil {
		return fmt.Errorf("create %s tables: %w", pdb.dialect.name, err)
	}
	pdb.migrated = true
	return nil
}

func (pdb *pooledDB) insert(ctx context.Context, instance string, msgs []receiver.Message) (int, error) {
	tx, err := pdb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pdb.dialect.insert)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range msgs {
		var date sql.NullTime
		if !m.Date.IsZero() {
			date = sql.NullTime{Time: m.Date.UTC(), Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			instance,
			NaturalKey(m),
			pdb.dialect.cursor(m.ID),
			date,
			truncate(m.From, 255),
			truncate(m.FromName, 255),
			truncate(m.To, 255),
			truncate(m.Subject, 255),
			truncate(m.ContentType, 127),
			m.Content,
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert message %d: %w", m.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// Close closes every pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, pdb := range p.dbs {
		errs = append(errs, pdb.db.Close())
		delete(p.dbs, key)
	}
	return errors.Join(errs...)
}

// NaturalKey identifies a message within its instance: the Message-ID
// header, else the POP3 UIDL, else the cursor value.
func NaturalKey(m receiver.Message) string {
	switch {
	case m.MessageID != "":
		return truncate(m.MessageID, 191)
	case m.UIDL != "":
		return truncate("uidl:"+m.UIDL, 191)
	}
	return "uid:" + strconv.FormatUint(m.ID, 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// keep valid UTF-8
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// classify marks errors retrying cannot fix: bad credentials, unknown
// database, missing privileges. Deadlocks and timeouts stay transient.
func classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1049, 1142:
			return retry.Permanent(err)
		}
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "3D000", "42501":
			return retry.Permanent(err)
		}
	}
	return err
}
