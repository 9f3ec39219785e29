package querystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/subscribers/querystore"
)

func newMockSubscriber(t *testing.T, cfg querystore.Config) (*querystore.Subscriber, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	sub := querystore.New(sqlxDB, cfg)
	return sub, mock, func() { _ = db.Close() }
}

func agentInvokedEvent(t *testing.T, sessionID string) events.Event {
	t.Helper()
	evt, err := events.New(events.AgentInvoked, sessionID, "trace-1", events.AgentInvokedPayload{
		AgentName: "impl", TaskType: "code_review",
	})
	require.NoError(t, err)
	return evt
}

func TestHandleEventFlushesBatchOnSize(t *testing.T) {
	sub, mock, cleanup := newMockSubscriber(t, querystore.Config{BatchSize: 2, FlushInterval: time.Hour})
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO agentops_events")
	mock.ExpectExec("INSERT INTO agentops_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO agentops_events").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	t.Cleanup(cancel)

	evt := agentInvokedEvent(t, "sess-1")
	require.NoError(t, sub.HandleEvent(ctx, evt))
	require.NoError(t, sub.HandleEvent(ctx, evt))

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, time.Millisecond)
}

func TestHandleEventNeverReturnsErrorAndFlushRetriesThenDrops(t *testing.T) {
	sub, mock, cleanup := newMockSubscriber(t, querystore.Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 1})
	defer cleanup()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectPrepare("INSERT INTO agentops_events")
		mock.ExpectExec("INSERT INTO agentops_events").WillReturnError(assertErr)
		mock.ExpectRollback()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	t.Cleanup(cancel)

	evt := agentInvokedEvent(t, "sess-1")
	require.NoError(t, sub.HandleEvent(ctx, evt))

	require.Eventually(t, func() bool {
		return sub.DroppedRows() == 1
	}, time.Second, time.Millisecond)
}

func TestCloseFlushesBufferedRowsSynchronously(t *testing.T) {
	sub, mock, cleanup := newMockSubscriber(t, querystore.Config{BatchSize: 100, FlushInterval: time.Hour})
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO agentops_events")
	mock.ExpectExec("INSERT INTO agentops_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	evt := agentInvokedEvent(t, "sess-1")
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	sub.Close(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

var assertErr = errBoom{}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
