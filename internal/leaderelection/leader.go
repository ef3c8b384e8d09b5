// Package leaderelection picks the node that runs cluster-wide maintenance,
// currently the orphan trigger sweep.
//
// The leader is whoever holds a session-level Postgres advisory lock on a
// dedicated connection. The lock has no TTL. It is released explicitly when
// the leader steps down, or by the server when the session dies. A heartbeat
// ping on the same connection notices local connection loss; it does not renew
// anything.
package leaderelection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"time"

	"go.uber.org/zap"
)

const unlockTimeout = 2 * time.Second

// Reason says why a term of leadership ended.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonShutdown Reason = "shutdown"
	ReasonConnLost Reason = "conn_lost"
)

// MetricsSink must not block.
type MetricsSink interface {
	LeaderStatusSet(leader bool)
}

type Config struct {
	// LockKey must be the same on every node sharing the database.
	LockKey int64
	// RetryInterval is how often a follower tries the lock. It bounds the
	// failover gap.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its connection.
	HeartbeatInterval time.Duration
}

// Duties run while this node leads. Elected runs in its own goroutine with a
// context that is cancelled on demotion, and must return once it is. Demoted
// runs after Elected has returned.
type Duties struct {
	Elected func(ctx context.Context)
	Demoted func()
}

type Elector struct {
	db      *sql.DB
	cfg     Config
	duties  Duties
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(db *sql.DB, cfg Config, duties Duties, logger *zap.Logger) *Elector {
	if duties.Elected == nil {
		duties.Elected = func(context.Context) {}
	}
	if duties.Demoted == nil {
		duties.Demoted = func() {}
	}
	return &Elector{
		db:     db,
		cfg:    cfg,
		duties: duties,
		logger: logger.Named("leader"),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run campaigns until ctx is cancelled. A leader that is shut down steps down
// before Run returns.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("leader_election_started",
		zap.Int64("lock_key", e.cfg.LockKey),
		zap.Duration("retry", e.cfg.RetryInterval),
		zap.Duration("heartbeat", e.cfg.HeartbeatInterval),
	)

	for ctx.Err() == nil {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if reason != ReasonNone {
			e.logger.Warn("leadership_lost",
				zap.String("reason", string(reason)),
				zap.Duration("retry_in", e.cfg.RetryInterval),
			)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.RetryInterval):
		}
	}
	e.logger.Info("leader_election_stopped")
}

// runOnce tries the lock once and, if it is granted, leads until the
// connection fails or ctx ends. ReasonNone means the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) Reason {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Warn("leader_connection_failed", zap.Error(err))
		return ReasonNone
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired)
	if err != nil {
		e.logger.Warn("leader_lock_query_failed", zap.Error(err))
		return ReasonNone
	}
	if !acquired {
		e.logger.Debug("leader_lock_held_elsewhere", zap.Int64("lock_key", e.cfg.LockKey))
		return ReasonNone
	}

	e.logger.Info("leader_lock_acquired", zap.Int64("lock_key", e.cfg.LockKey))
	e.setStatus(true)

	termCtx, endTerm := context.WithCancel(ctx)
	dutiesDone := make(chan struct{})
	go func() {
		defer close(dutiesDone)
		e.duties.Elected(termCtx)
	}()

	reason := e.hold(ctx, conn)

	endTerm()
	<-dutiesDone
	e.duties.Demoted()
	e.setStatus(false)

	e.release(conn, reason)
	e.logger.Info("leader_lock_released",
		zap.Int64("lock_key", e.cfg.LockKey),
		zap.String("reason", string(reason)),
	)
	return reason
}

// hold pings the lock connection until ctx ends or a ping fails.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) Reason {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Warn("leader_ping_failed", zap.Error(err))
				return ReasonConnLost
			}
		}
	}
}

// release gives the lock back. Closing a sql.Conn only returns the session to
// the pool with the lock still held, so a session that cannot be unlocked is
// discarded instead.
func (e *Elector) release(conn *sql.Conn, reason Reason) {
	if reason == ReasonShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		var released bool
		err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", e.cfg.LockKey).Scan(&released)
		if err == nil && released {
			return
		}
		e.logger.Warn("leader_unlock_failed", zap.Bool("released", released), zap.Error(err))
	}
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

func (e *Elector) setStatus(leader bool) {
	if e.metrics != nil {
		e.metrics.LeaderStatusSet(leader)
	}
}
