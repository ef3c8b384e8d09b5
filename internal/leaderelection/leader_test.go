package leaderelection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []bool
}

func (r *statusRecorder) LeaderStatusSet(leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, leader)
}

func testConfig(heartbeat time.Duration) Config {
	return Config{LockKey: 42, RetryInterval: time.Second, HeartbeatInterval: heartbeat}
}

func TestElector_FollowerDoesNotStartDuties(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	elected := false
	e := New(db, testConfig(time.Second), Duties{
		Elected: func(context.Context) { elected = true },
	}, zap.NewNop())

	reason := e.runOnce(context.Background())
	assert.Equal(t, ReasonNone, reason)
	assert.False(t, elected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_LockQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").WillReturnError(errors.New("connection reset"))

	e := New(db, testConfig(time.Second), Duties{}, zap.NewNop())
	assert.Equal(t, ReasonNone, e.runOnce(context.Background()))
}

func TestElector_LeaderRunsDutiesUntilShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	electedCtx := make(chan context.Context, 1)
	demoted := make(chan struct{}, 1)
	metrics := &statusRecorder{}
	e := New(db, testConfig(10*time.Millisecond), Duties{
		Elected: func(ctx context.Context) { electedCtx <- ctx },
		Demoted: func() { demoted <- struct{}{} },
	}, zap.NewNop()).WithMetrics(metrics)

	reasons := make(chan Reason, 1)
	go func() { reasons <- e.runOnce(ctx) }()

	var dutyCtx context.Context
	select {
	case dutyCtx = <-electedCtx:
	case <-time.After(2 * time.Second):
		t.Fatal("onElected not called")
	}

	cancel()

	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonShutdown, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return")
	}
	<-demoted
	assert.Error(t, dutyCtx.Err(), "leader context must be cancelled on demotion")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []bool{true, false}, metrics.statuses)
	assert.NoError(t, mock.ExpectationsWereMet(), "the lock must be given back on shutdown")
}

func TestElector_PingFailureDemotes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectPing().WillReturnError(errors.New("broken pipe"))

	demoted := false
	e := New(db, testConfig(5*time.Millisecond), Duties{
		Demoted: func() { demoted = true },
	}, zap.NewNop())

	assert.Equal(t, ReasonConnLost, e.runOnce(context.Background()))
	assert.True(t, demoted)
	assert.NoError(t, mock.ExpectationsWereMet(), "a lost session is discarded, not unlocked")
}

func TestElector_RunStopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ctx, cancel := context.WithCancel(context.Background())
	e := New(db, Config{LockKey: 42, RetryInterval: time.Hour, HeartbeatInterval: time.Second}, Duties{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
