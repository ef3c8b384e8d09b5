package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/djlord-it/easy-alarm/internal/delivery"
)

// PoolConfig sizes the database/sql pools.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ReplicationLag is how long reads of a context stay on the primary
	// after a write to it.
	ReplicationLag time.Duration
}

// Pool routes writable work to the primary and reads to the replica, unless
// the context was written to within the replication lag.
type Pool struct {
	primary *sql.DB
	replica *sql.DB // nil = no replica
	lag     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	lastWrite map[int]time.Time

	unmodified atomic.Int64
}

// Open connects to the primary and, if replicaURL is set, the replica.
func Open(primaryURL, replicaURL string, cfg PoolConfig) (*Pool, error) {
	primary, err := openDB(primaryURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	var replica *sql.DB
	if replicaURL != "" {
		replica, err = openDB(replicaURL, cfg)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("open replica: %w", err)
		}
	}
	return NewPool(primary, replica, cfg.ReplicationLag), nil
}

func openDB(url string, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// NewPool wraps already opened handles. replica may be nil.
func NewPool(primary, replica *sql.DB, lag time.Duration) *Pool {
	return &Pool{
		primary:   primary,
		replica:   replica,
		lag:       lag,
		now:       time.Now,
		lastWrite: make(map[int]time.Time),
	}
}

// AcquireWritable pins a primary connection for the context.
func (p *Pool) AcquireWritable(ctx context.Context, contextID int) (delivery.Conn, error) {
	c, err := p.primary.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire writable connection: %w", err)
	}
	return &Conn{conn: c, contextID: contextID}, nil
}

// ReleaseWritable returns the connection to the pool. A modified release
// pins the context's reads to the primary for the replication lag.
func (p *Pool) ReleaseWritable(conn delivery.Conn, modified bool) {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return
	}
	_ = c.conn.Close()
	if modified {
		p.markWritten(c.contextID)
		return
	}
	p.unmodified.Add(1)
}

func (p *Pool) markWritten(contextID int) {
	p.mu.Lock()
	p.lastWrite[contextID] = p.now()
	p.mu.Unlock()
}

// Reader returns the handle reads of the context should go to.
func (p *Pool) Reader(contextID int) *sql.DB {
	if p.replica == nil {
		return p.primary
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastWrite[contextID]
	if !ok {
		return p.replica
	}
	if p.now().Sub(last) < p.lag {
		return p.primary
	}
	delete(p.lastWrite, contextID)
	return p.replica
}

func (p *Pool) Primary() *sql.DB {
	return p.primary
}

// UnmodifiedReleases counts writable connections released without a write.
func (p *Pool) UnmodifiedReleases() int64 {
	return p.unmodified.Load()
}

func (p *Pool) Close() error {
	var errs []error
	if err := p.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.replica != nil {
		if err := p.replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conn is a pinned primary connection.
type Conn struct {
	conn      *sql.Conn
	contextID int
}

func (c *Conn) BeginTx(ctx context.Context, contextID, accountID int) (delivery.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, contextID: contextID, accountID: accountID}, nil
}
