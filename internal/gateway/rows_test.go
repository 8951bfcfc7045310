package gateway

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	data []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.data
	return nil
}

type fakeQuerier struct {
	row   fakeRow
	query string
	args  []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.query = sql
	q.args = args
	return q.row
}

func (q *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestBuildRowQuerySortsColumns(t *testing.T) {
	query, args, err := buildRowQuery("profiles", Filter{"username": "ana", "is_active": true})
	require.NoError(t, err)
	assert.Equal(t, `SELECT to_jsonb(t) FROM "profiles" t WHERE t."is_active" = $1 AND t."username" = $2 LIMIT 1`, query)
	assert.Equal(t, []any{true, "ana"}, args)
}

func TestBuildRowQueryRejectsBadInput(t *testing.T) {
	_, _, err := buildRowQuery("profiles", nil)
	assert.Error(t, err)

	_, _, err = buildRowQuery("profiles", Filter{"id; drop table x": 1})
	assert.Error(t, err)
}

func TestQueryRow(t *testing.T) {
	db := &fakeQuerier{row: fakeRow{data: []byte(`{"id":"u-1","username":"ana"}`)}}
	row, err := queryRow(context.Background(), db, "profiles", Filter{"id": "u-1"})
	require.NoError(t, err)

	var decoded struct {
		Username string `json:"username"`
	}
	require.NoError(t, row.Decode(&decoded))
	assert.Equal(t, "ana", decoded.Username)
	assert.Equal(t, []any{"u-1"}, db.args)
}

func TestQueryRowNotFound(t *testing.T) {
	db := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
	_, err := queryRow(context.Background(), db, "profiles", Filter{"id": "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}
