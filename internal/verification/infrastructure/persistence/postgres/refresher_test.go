package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingTx captures the statements one refresh transaction issues.
type recordingTx struct {
	stmts  []string
	args   [][]interface{}
	failOn string
}

func (t *recordingTx) Exec(sql string, values ...interface{}) *gorm.DB {
	t.stmts = append(t.stmts, sql)
	t.args = append(t.args, values)
	if t.failOn != "" {
		if strings.Contains(sql, t.failOn) {
			return &gorm.DB{Error: errors.New("refresh rejected")}
		}
		for _, v := range values {
			if s, ok := v.(string); ok && strings.Contains(s, t.failOn) {
				return &gorm.DB{Error: errors.New("refresh rejected")}
			}
		}
	}
	return &gorm.DB{}
}

func TestRefreshLocksAndRefreshesOnOneTransaction(t *testing.T) {
	r := &Refresher{}
	tx := &recordingTx{}
	from := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	require.NoError(t, r.refreshInTx(tx, "005930", from, to))

	// The transaction-scoped lock comes first; a caller that dies before
	// commit releases it with the rollback instead of stranding it on a
	// pooled connection.
	require.Len(t, tx.stmts, 1+len(rollupViews))
	assert.Contains(t, tx.stmts[0], "pg_advisory_xact_lock")
	assert.Equal(t, "005930", tx.args[0][0])

	for i, view := range rollupViews {
		assert.Contains(t, tx.stmts[i+1], "refresh_continuous_aggregate")
		assert.Equal(t, view, tx.args[i+1][0])
		assert.Equal(t, from, tx.args[i+1][1])
		assert.Equal(t, to, tx.args[i+1][2])
	}
}

func TestRefreshStopsAtFirstFailedView(t *testing.T) {
	r := &Refresher{}
	tx := &recordingTx{failOn: "candles_5m"}
	from := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	err := r.refreshInTx(tx, "005930", from, from.Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "candles_5m")

	// Lock, candles_1m, then the failing candles_5m; the coarser views
	// are never touched so the rollback leaves nothing half-refreshed.
	assert.Len(t, tx.stmts, 3)
}

func TestRefreshFailsWhenLockRejected(t *testing.T) {
	r := &Refresher{}
	tx := &recordingTx{failOn: "pg_advisory_xact_lock"}
	from := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	err := r.refreshInTx(tx, "005930", from, from.Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh lock")
	assert.Len(t, tx.stmts, 1)
}
