package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("delivery mysql: db is required")
	// ErrExecutorRequired is returned when Insert is called with a nil executor.
	ErrExecutorRequired = errors.New("delivery mysql: executor is required")
	// ErrTableNameRequired is returned when a table name is empty.
	ErrTableNameRequired = errors.New("delivery mysql: table name is required")
	// ErrInvalidTableName is returned when a table name has disallowed characters.
	ErrInvalidTableName = errors.New("delivery mysql: invalid table name")
	// ErrSameTable is returned when documents and changes are configured to share a table.
	ErrSameTable = errors.New("delivery mysql: document and change tables must differ")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("delivery mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("delivery mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("delivery mysql: cleanup retention must be positive")
)
