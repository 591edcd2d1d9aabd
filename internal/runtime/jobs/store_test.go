package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// lostCandidateQuerier answers the first claim with no rows, as PostgreSQL
// does when a concurrent terminate changes the chosen candidate.
type lostCandidateQuerier struct {
	dialect database.Dialect
	misses  int
	gets    int
	execs   []string
}

func (q *lostCandidateQuerier) Exec(_ context.Context, query string, _ ...any) (sql.Result, error) {
	q.execs = append(q.execs, query)
	return nil, nil
}

func (q *lostCandidateQuerier) Get(_ context.Context, dest any, _ string, _ ...any) error {
	q.gets++
	if q.gets <= q.misses {
		return sql.ErrNoRows
	}
	*dest.(*claimed) = claimed{ID: "job-2", Type: "invoice.remind", LimitClass: "smtp", LockID: "lock"}
	return nil
}

func (q *lostCandidateQuerier) Select(context.Context, any, string, ...any) error { return nil }

func (q *lostCandidateQuerier) Dialect() database.Dialect { return q.dialect }

func TestClaimNextRetriesLostCandidateOnPostgres(t *testing.T) {
	q := &lostCandidateQuerier{dialect: database.Postgres, misses: 1}

	c, err := claimNext(context.Background(), q, time.Now(), "lock")
	require.NoError(t, err)
	assert.Equal(t, "job-2", c.ID)
	assert.Equal(t, 2, q.gets)
	assert.Equal(t, []string{recordStart}, q.execs)
}

func TestClaimNextGivesUpAfterSecondMiss(t *testing.T) {
	q := &lostCandidateQuerier{dialect: database.Postgres, misses: 2}

	_, err := claimNext(context.Background(), q, time.Now(), "lock")
	require.ErrorIs(t, err, perrors.ErrNoEligibleJob)
	assert.Equal(t, 2, q.gets)
	assert.Empty(t, q.execs)
}

func TestClaimNextSingleAttemptOnSQLite(t *testing.T) {
	q := &lostCandidateQuerier{dialect: database.SQLite, misses: 1}

	_, err := claimNext(context.Background(), q, time.Now(), "lock")
	require.ErrorIs(t, err, perrors.ErrNoEligibleJob)
	assert.Equal(t, 1, q.gets)
}
