package async

import (
	"database/sql"
	"strings"
	"time"
)

// StandardJobSelectColumns is the column list matched by GetJobScanTargets.
func StandardJobSelectColumns() string {
	return `id, theme, category, target, sources, status,
		requested, succeeded, duplicate, failed, deferred, bytes,
		output_dir, error, created_at, started_at, completed_at, updated_at`
}

// JobScanArgs holds the nullable columns scanned alongside a job.
type JobScanArgs struct {
	Sources     string
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Theme,
		&job.Category,
		&job.Target,
		&args.Sources,
		&job.Status,
		&job.Counters.Requested,
		&job.Counters.Succeeded,
		&job.Counters.Duplicate,
		&job.Counters.Failed,
		&job.Counters.Deferred,
		&job.Counters.Bytes,
		&job.OutputDir,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies scanned nullable columns into job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Sources != "" {
		job.Sources = strings.Split(args.Sources, ",")
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

// ScanJobFromRows scans one job from rows.
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	if err := rows.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, args)
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
