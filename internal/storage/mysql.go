package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/wayline"
)

const schema = `create table if not exists
    wayline_jobs(job_id varchar(64) NOT NULL PRIMARY KEY,
                 workspace_id varchar(64),
                 dock_sn varchar(64),
                 file_id varchar(64),
                 name varchar(256),
                 status varchar(16),
                 task_type int,
                 wayline_type int,
                 rth_altitude int,
                 out_of_control_action int,
                 begin_time bigint,
                 end_time bigint,
                 execute_time bigint,
                 completed_time bigint,
                 error_code int,
                 media_count int,
                 parent_id varchar(64),
                 INDEX(dock_sn), INDEX(status))`

// MySQLRepository is the durable side of the control plane: job records,
// device topology and mission file references, one table each. A single
// handle is shared by all callers; database/sql pools underneath.
type MySQLRepository struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewMySQLRepository opens the DSN and ensures the schema exists.
func NewMySQLRepository(dsn string) (*MySQLRepository, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	for _, stmt := range []string{schema, deviceSchema, fileSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	return &MySQLRepository{
		db:  db,
		log: logrus.WithField("component", "storage.mysql"),
	}, nil
}

func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

func (r *MySQLRepository) Create(ctx context.Context, job *wayline.Job) error {
	_, err := r.db.ExecContext(ctx, `insert into wayline_jobs
        (job_id, workspace_id, dock_sn, file_id, name, status, task_type,
         wayline_type, rth_altitude, out_of_control_action, begin_time,
         end_time, execute_time, completed_time, error_code, media_count,
         parent_id)
        values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkspaceID, job.DockSN, job.FileID, job.Name,
		string(job.Status), int(job.TaskType), job.WaylineType,
		job.RTHAltitude, job.OutOfControlAction,
		toMillis(job.BeginTime), toMillis(job.EndTime),
		toMillis(job.ExecuteTime), toMillis(job.CompletedTime),
		job.ErrorCode, job.MediaCount, job.ParentID)
	return errors.Wrapf(err, "insert job %s", job.ID)
}

func (r *MySQLRepository) Get(ctx context.Context, jobID string) (*wayline.Job, error) {
	row := r.db.QueryRowContext(ctx, `select
        job_id, workspace_id, dock_sn, file_id, name, status, task_type,
        wayline_type, rth_altitude, out_of_control_action, begin_time,
        end_time, execute_time, completed_time, error_code, media_count,
        parent_id
        from wayline_jobs where job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, wayline.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}
	return job, nil
}

func (r *MySQLRepository) Update(ctx context.Context, job *wayline.Job) error {
	res, err := r.db.ExecContext(ctx, `update wayline_jobs set
        workspace_id = ?, dock_sn = ?, file_id = ?, name = ?, status = ?,
        task_type = ?, wayline_type = ?, rth_altitude = ?,
        out_of_control_action = ?, begin_time = ?, end_time = ?,
        execute_time = ?, completed_time = ?, error_code = ?,
        media_count = ?, parent_id = ?
        where job_id = ?`,
		job.WorkspaceID, job.DockSN, job.FileID, job.Name,
		string(job.Status), int(job.TaskType), job.WaylineType,
		job.RTHAltitude, job.OutOfControlAction,
		toMillis(job.BeginTime), toMillis(job.EndTime),
		toMillis(job.ExecuteTime), toMillis(job.CompletedTime),
		job.ErrorCode, job.MediaCount, job.ParentID, job.ID)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or a no-op write of identical values; resolve it.
		if _, err := r.Get(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// ListByDock returns the job history of one dock, newest first. Retry
// chains surface through parent_id.
func (r *MySQLRepository) ListByDock(ctx context.Context, dockSN string, limit int) ([]*wayline.Job, error) {
	rows, err := r.db.QueryContext(ctx, `select
        job_id, workspace_id, dock_sn, file_id, name, status, task_type,
        wayline_type, rth_altitude, out_of_control_action, begin_time,
        end_time, execute_time, completed_time, error_code, media_count,
        parent_id
        from wayline_jobs where dock_sn = ?
        order by begin_time desc limit ?`, dockSN, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs for %s", dockSN)
	}
	defer rows.Close()

	var jobs []*wayline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan job row for %s", dockSN)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*wayline.Job, error) {
	var job wayline.Job
	var status string
	var taskType int
	var begin, end, execute, completed int64
	err := row.Scan(&job.ID, &job.WorkspaceID, &job.DockSN, &job.FileID,
		&job.Name, &status, &taskType, &job.WaylineType,
		&job.RTHAltitude, &job.OutOfControlAction,
		&begin, &end, &execute, &completed,
		&job.ErrorCode, &job.MediaCount, &job.ParentID)
	if err != nil {
		return nil, err
	}
	job.Status = wayline.Status(status)
	job.TaskType = wayline.TaskType(taskType)
	job.BeginTime = fromMillis(begin)
	job.EndTime = fromMillis(end)
	job.ExecuteTime = fromMillis(execute)
	job.CompletedTime = fromMillis(completed)
	return &job, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
