package tool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cast"
	"github.com/uptrace/bun"

	"github.com/tanpawarit/argo-agent/pkg/datasource"
)

const (
	defaultMaxRows = 200
	nullText       = "NULL"
)

// QueryResult is the structured output of a query. Every value is text.
type QueryResult struct {
	Columns   []string   `json:"columns"`
	Data      [][]string `json:"data"`
	Truncated bool       `json:"truncated,omitempty"`
}

// QueryCapability runs SQL against the analytical datasource. Statements
// run in a read-only transaction on postgres; sqlite handles are expected
// to be opened read-only.
type QueryCapability struct {
	db      *bun.DB
	maxRows int
}

func NewQueryCapability(db *bun.DB, maxRows int) (*QueryCapability, error) {
	if db == nil {
		return nil, errors.New("tool: nil datasource")
	}
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &QueryCapability{db: db, maxRows: maxRows}, nil
}

func (q *QueryCapability) info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolDatabaseQuery,
		Desc: "Executes a SQL query against the Argo float database. " +
			"The SQL string must be passed in the 'query' field.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {Type: schema.String, Desc: "SQL query to execute", Required: true},
		}),
	}
}

func (q *QueryCapability) invoke(ctx context.Context, args map[string]any) (any, error) {
	query, err := requireStringArg(args, "query")
	if err != nil {
		return nil, err
	}
	return q.Run(ctx, query)
}

func (q *QueryCapability) Run(ctx context.Context, query string) (*QueryResult, error) {
	var opts *sql.TxOptions
	if datasource.IsPostgres(q.db) {
		opts = &sql.TxOptions{ReadOnly: true}
	}

	tx, err := q.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := &QueryResult{Columns: columns, Data: make([][]string, 0)}
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if len(out.Data) >= q.maxRows {
			out.Truncated = true
			break
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = textValue(v)
		}
		out.Data = append(out.Data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func textValue(v any) string {
	switch x := v.(type) {
	case nil:
		return nullText
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
