package db

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/btrman/btrman/pkg/btrfs"
	"github.com/btrman/btrman/pkg/db/queries"
)

// RecordMutation persists a finished reconcile result. Satisfies
// btrfs.HistoryRecorder.
func (db *DB) RecordMutation(res *btrfs.MutationResult) error {
	fsUUID := res.Request.FilesystemID
	if res.Pre != nil && res.Pre.UUID != "" {
		fsUUID = res.Pre.UUID
	}

	rec := &queries.MutationRecord{
		MutationID:         res.ID,
		FilesystemUUID:     fsUUID,
		Operation:          string(res.Request.Op),
		Outcome:            string(res.Outcome),
		ConsistencyWarning: res.ConsistencyWarning != "",
		StartedAt:          res.StartedAt,
	}

	if res.Request.DevicePath != "" {
		rec.DevicePath = sql.NullString{String: res.Request.DevicePath, Valid: true}
	}
	if res.Request.TargetProfile != "" {
		rec.TargetProfile = sql.NullString{String: string(res.Request.TargetProfile), Valid: true}
	}
	if len(res.Request.Classes) > 0 {
		classes := make([]string, 0, len(res.Request.Classes))
		for _, c := range res.Request.Classes {
			classes = append(classes, string(c))
		}
		rec.ChunkClasses = sql.NullString{String: strings.Join(classes, ","), Valid: true}
	}
	if res.Diagnostic != "" {
		rec.Diagnostic = sql.NullString{String: res.Diagnostic, Valid: true}
	}
	if len(res.Steps) > 0 {
		if data, err := json.Marshal(res.Steps); err == nil {
			rec.StepsJSON = sql.NullString{String: string(data), Valid: true}
		}
	}
	if !res.FinishedAt.IsZero() {
		rec.FinishedAt = sql.NullTime{Time: res.FinishedAt, Valid: true}
	}

	return queries.InsertMutation(db.conn, rec)
}

// History returns recorded mutations, newest first.
func (db *DB) History(filesystemUUID string, limit int) ([]*queries.MutationRecord, error) {
	return queries.ListMutations(db.conn, filesystemUUID, limit)
}
