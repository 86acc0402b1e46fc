package mysql

import "fmt"

type queries struct {
	selectDocForUpdate string
	selectDoc          string
	insertDoc          string
	updateDoc          string
	deleteDoc          string
	insertChange       string
	selectExpired      string
	countByState       string

	selectPending             string
	selectPendingTS           string
	selectPendingCollection   string
	selectPendingCollectionTS string
	updateFailureOne          string
	updateDeadOne             string
	countPending              string
}

func newQueries(docs, changes string) queries {
	q := queries{
		selectDocForUpdate: fmt.Sprintf("SELECT body, version FROM %s WHERE collection = ? AND id = ? FOR UPDATE", docs),
		selectDoc:          fmt.Sprintf("SELECT body, version FROM %s WHERE collection = ? AND id = ?", docs),
		insertDoc: fmt.Sprintf(
			"INSERT INTO %s (collection, id, body, state, lease_expire_at) VALUES (?, ?, ?, ?, ?)",
			docs,
		),
		updateDoc: fmt.Sprintf(
			"UPDATE %s SET body = ?, state = ?, lease_expire_at = ?, version = version + 1 "+
				"WHERE collection = ? AND id = ? AND version = ?",
			docs,
		),
		deleteDoc: fmt.Sprintf("DELETE FROM %s WHERE collection = ? AND id = ? AND version = ?", docs),
		insertChange: fmt.Sprintf(
			"INSERT INTO %s (id, collection, document_id, before_body, after_body) VALUES (?, ?, ?, ?, ?)",
			changes,
		),
		selectExpired: fmt.Sprintf(
			"SELECT id FROM %s WHERE collection = ? AND state = ? AND (lease_expire_at IS NULL OR lease_expire_at <= ?) "+
				"ORDER BY lease_expire_at ASC, id ASC LIMIT ?",
			docs,
		),
		countByState: fmt.Sprintf("SELECT COALESCE(state, ''), COUNT(*) FROM %s WHERE collection = ? GROUP BY state", docs),
		updateFailureOne: fmt.Sprintf(
			"UPDATE %s AS cur "+
				"JOIN %s AS prev ON prev.id = cur.id "+
				"SET cur.attempt_count = prev.attempt_count + 1, cur.last_error = ?, "+
				"cur.status = CASE WHEN (prev.attempt_count + 1) >= ? THEN ? ELSE ? END "+
				"WHERE cur.id = ?",
			changes,
			changes,
		),
		updateDeadOne: fmt.Sprintf(
			"UPDATE %s SET attempt_count = attempt_count + 1, last_error = ?, status = ? WHERE id = ?",
			changes,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", changes),
	}

	cols := "id, collection, document_id, before_body, after_body, created_at, attempt_count"
	q.selectPending = selectChanges(cols, changes, "")
	q.selectPendingTS = selectChanges(cols, changes, " AND created_ts >= ?")
	q.selectPendingCollection = selectChanges(cols, changes, " AND collection = ?")
	q.selectPendingCollectionTS = selectChanges(cols, changes, " AND collection = ? AND created_ts >= ?")

	return q
}

func selectChanges(cols, table, filter string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ?%s ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
		cols,
		table,
		filter,
	)
}
