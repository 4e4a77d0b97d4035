package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

const fileSchema = `create table if not exists
    mission_files(workspace_id varchar(64) NOT NULL,
                  file_id varchar(64) NOT NULL,
                  url varchar(1024),
                  fingerprint varchar(128),
                  PRIMARY KEY(workspace_id, file_id))`

// ErrFileNotFound is returned for unknown mission file references.
var ErrFileNotFound = errors.New("mission file not found")

// MissionResource resolves a mission file id to its fetchable reference.
func (r *MySQLRepository) MissionResource(ctx context.Context, workspaceID, fileID string) (string, string, error) {
	var url, fingerprint string
	err := r.db.QueryRowContext(ctx,
		`select url, fingerprint from mission_files
         where workspace_id = ? and file_id = ?`,
		workspaceID, fileID).Scan(&url, &fingerprint)
	if err == sql.ErrNoRows {
		return "", "", errors.Wrapf(ErrFileNotFound, "%s/%s", workspaceID, fileID)
	}
	if err != nil {
		return "", "", errors.Wrapf(err, "resolve mission file %s/%s", workspaceID, fileID)
	}
	return url, fingerprint, nil
}

// PutMissionFile registers a mission file reference for dispatch.
func (r *MySQLRepository) PutMissionFile(ctx context.Context, workspaceID, fileID, url, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `insert into mission_files
        (workspace_id, file_id, url, fingerprint)
        values (?, ?, ?, ?)
        on duplicate key update
        url = values(url), fingerprint = values(fingerprint)`,
		workspaceID, fileID, url, fingerprint)
	return errors.Wrapf(err, "store mission file %s/%s", workspaceID, fileID)
}
