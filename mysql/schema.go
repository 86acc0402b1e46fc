package mysql

import "fmt"

const documentSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	collection VARCHAR(128) NOT NULL,
	id VARCHAR(191) NOT NULL,
	body JSON NOT NULL,
	version BIGINT UNSIGNED NOT NULL DEFAULT 1,
	state VARCHAR(16) NULL,
	lease_expire_at TIMESTAMP(6) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (collection, id),
	INDEX idx_state_lease (collection, state, lease_expire_at)
);`

// The change id is a UUIDv7, so created_ts is derived from its 48-bit millisecond prefix.
const changeSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	collection VARCHAR(128) NOT NULL,
	document_id VARCHAR(191) NOT NULL,
	before_body JSON NULL,
	after_body JSON NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	processed_at TIMESTAMP(6) NULL,
	created_ts BIGINT GENERATED ALWAYS AS (CONV(SUBSTR(HEX(id), 1, 12), 16, 10) DIV 1000) STORED,
	PRIMARY KEY (id),
	INDEX idx_status_id (status, id),
	INDEX idx_collection_status_id (collection, status, id)
);`

// Schema returns the DDL of the document table.
func Schema(table string) (string, error) {
	name, err := quoteTable(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(documentSchemaTemplate, name), nil
}

// ChangeSchema returns the DDL of the change log table.
func ChangeSchema(table string) (string, error) {
	name, err := quoteTable(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(changeSchemaTemplate, name), nil
}

// Schemas returns the DDL of both tables, documents first.
func Schemas(table, changeTable string) ([]string, error) {
	docs, err := Schema(table)
	if err != nil {
		return nil, err
	}
	changes, err := ChangeSchema(changeTable)
	if err != nil {
		return nil, err
	}

	return []string{docs, changes}, nil
}
