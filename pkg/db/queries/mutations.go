package queries

import (
	"database/sql"
	"time"
)

type MutationRecord struct {
	MutationID         string
	FilesystemUUID     string
	Operation          string
	DevicePath         sql.NullString
	TargetProfile      sql.NullString
	ChunkClasses       sql.NullString
	Outcome            string
	Diagnostic         sql.NullString
	ConsistencyWarning bool
	StepsJSON          sql.NullString
	StartedAt          time.Time
	FinishedAt         sql.NullTime
}

func InsertMutation(db *sql.DB, m *MutationRecord) error {
	var finishedAt interface{}
	if m.FinishedAt.Valid {
		finishedAt = m.FinishedAt.Time.Unix()
	}

	_, err := db.Exec(`
		INSERT INTO mutation_history (
			mutation_id, filesystem_uuid, operation, device_path,
			target_profile, chunk_classes, outcome, diagnostic,
			consistency_warning, steps_json, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MutationID, m.FilesystemUUID, m.Operation, m.DevicePath,
		m.TargetProfile, m.ChunkClasses, m.Outcome, m.Diagnostic,
		m.ConsistencyWarning, m.StepsJSON, m.StartedAt.Unix(), finishedAt)
	return err
}

func GetMutation(db *sql.DB, mutationID string) (*MutationRecord, error) {
	var m MutationRecord
	var startedAt, finishedAt sql.NullInt64

	err := db.QueryRow(`
		SELECT mutation_id, filesystem_uuid, operation, device_path,
		       target_profile, chunk_classes, outcome, diagnostic,
		       consistency_warning, steps_json, started_at, finished_at
		FROM mutation_history
		WHERE mutation_id = ?
	`, mutationID).Scan(
		&m.MutationID, &m.FilesystemUUID, &m.Operation, &m.DevicePath,
		&m.TargetProfile, &m.ChunkClasses, &m.Outcome, &m.Diagnostic,
		&m.ConsistencyWarning, &m.StepsJSON, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		m.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if finishedAt.Valid {
		m.FinishedAt = sql.NullTime{Time: time.Unix(finishedAt.Int64, 0), Valid: true}
	}
	return &m, nil
}

// ListMutations returns history newest first, optionally filtered by
// filesystem UUID.
func ListMutations(db *sql.DB, filesystemUUID string, limit int) ([]*MutationRecord, error) {
	query := `
		SELECT mutation_id, filesystem_uuid, operation, device_path,
		       target_profile, chunk_classes, outcome, diagnostic,
		       consistency_warning, steps_json, started_at, finished_at
		FROM mutation_history
		WHERE 1=1
	`
	args := []interface{}{}

	if filesystemUUID != "" {
		query += " AND filesystem_uuid = ?"
		args = append(args, filesystemUUID)
	}

	query += " ORDER BY started_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MutationRecord
	for rows.Next() {
		var m MutationRecord
		var startedAt, finishedAt sql.NullInt64
		if err := rows.Scan(
			&m.MutationID, &m.FilesystemUUID, &m.Operation, &m.DevicePath,
			&m.TargetProfile, &m.ChunkClasses, &m.Outcome, &m.Diagnostic,
			&m.ConsistencyWarning, &m.StepsJSON, &startedAt, &finishedAt,
		); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			m.StartedAt = time.Unix(startedAt.Int64, 0)
		}
		if finishedAt.Valid {
			m.FinishedAt = sql.NullTime{Time: time.Unix(finishedAt.Int64, 0), Valid: true}
		}
		records = append(records, &m)
	}
	return records, rows.Err()
}
