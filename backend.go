package dbmcp

import (
	"context"
	"errors"

	"github.com/rickchristie/dbmcp/internal/executor"
)

// ErrTableNotFound is wrapped by Backend.DescribeTable when the table does not
// exist in the schema or is not visible to the current user.
var ErrTableNotFound = errors.New("table not found")

// Backend is the database behind a Server. New builds the PostgreSQL one;
// NewWithBackend accepts any implementation.
//
// Query must honour Statement.MaxRows and Statement.Timeout at the statement
// level where it can, and resolve unqualified names against the allowed
// schema. Catalog methods only ever look at the schema they are given.
type Backend interface {
	executor.Source
	Ping(ctx context.Context) (*PingOutput, error)
	ListTables(ctx context.Context, schema, pattern string, limit int) ([]TableEntry, error)
	DescribeTable(ctx context.Context, schema, table string) (*DescribeTableOutput, error)
	Close()
}
