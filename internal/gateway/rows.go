package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// buildRowQuery renders a single-row lookup returning the row as jsonb.
// Columns are sorted so identical filters produce identical SQL.
func buildRowQuery(table string, filter Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, errors.New("gateway: row filter required")
	}
	columns := make([]string, 0, len(filter))
	for column := range filter {
		if !columnName.MatchString(column) {
			return "", nil, fmt.Errorf("gateway: invalid column %q", column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	conds := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		conds = append(conds, fmt.Sprintf("t.%s = $%d", pgx.Identifier{column}.Sanitize(), i+1))
		args = append(args, filter[column])
	}
	query := fmt.Sprintf("SELECT to_jsonb(t) FROM %s t WHERE %s LIMIT 1", pgx.Identifier{table}.Sanitize(), strings.Join(conds, " AND "))
	return query, args, nil
}

func queryRow(ctx context.Context, db Querier, table string, filter Filter) (Row, error) {
	query, args, err := buildRowQuery(table, filter)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gateway: query %s: %w", table, err)
	}
	return Row(raw), nil
}
