package progress

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hie/gateway/internal/domain/document"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const progressCols = `cx_id, patient_id, source, request_id,
	download_total, download_successful, download_errors,
	convert_total, convert_successful, convert_errors,
	download_status, convert_status,
	download_webhook_sent, convert_webhook_sent,
	started_at, updated_at`

func scanProgress(row pgx.Row) (*Progress, error) {
	var p Progress
	var source, downloadStatus, convertStatus string
	err := row.Scan(&p.Key.CxID, &p.Key.PatientID, &source, &p.RequestID,
		&p.Download.Total, &p.Download.Successful, &p.Download.Errors,
		&p.Convert.Total, &p.Convert.Successful, &p.Convert.Errors,
		&downloadStatus, &convertStatus,
		&p.DownloadWebhookSent, &p.ConvertWebhookSent,
		&p.StartedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Key.Source = document.Source(source)
	p.DownloadStatus = Status(downloadStatus)
	p.ConvertStatus = Status(convertStatus)
	return &p, nil
}

func (r *repoPG) Get(ctx context.Context, key Key) (*Progress, error) {
	p, err := scanProgress(r.pool.QueryRow(ctx, `
		SELECT `+progressCols+` FROM doc_query_progress
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3`,
		key.CxID, key.PatientID, string(key.Source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) StartRequest(ctx context.Context, key Key, requestID string) (*Progress, error) {
	return scanProgress(r.pool.QueryRow(ctx, `
		INSERT INTO doc_query_progress (cx_id, patient_id, source, request_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cx_id, patient_id, source) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			download_total = 0, download_successful = 0, download_errors = 0,
			convert_total = 0, convert_successful = 0, convert_errors = 0,
			download_status = 'waiting', convert_status = 'waiting',
			download_webhook_sent = FALSE, convert_webhook_sent = FALSE,
			started_at = NOW(), updated_at = NOW()
		RETURNING `+progressCols,
		key.CxID, key.PatientID, string(key.Source), requestID))
}

// epochCheck distinguishes a missing row from a superseded epoch after an
// UPDATE matched nothing.
func (r *repoPG) epochCheck(ctx context.Context, key Key, requestID string) error {
	p, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if p.RequestID != requestID {
		return ErrStaleRequest
	}
	return ErrNotFound
}

// statusExpr derives the new phase status from the post-update counter
// expressions. Terminal statuses are sticky; a zero total keeps the
// current status until FinalizePhase settles it.
func statusExpr(phase Phase, total, successful, errs string) string {
	cur := phaseColumn(phase, "status")
	return `CASE
		WHEN ` + cur + ` IN ('completed', 'failed') THEN ` + cur + `
		WHEN ` + total + ` = 0 THEN ` + cur + `
		WHEN ` + errs + ` >= ` + total + ` THEN 'failed'
		WHEN ` + successful + ` + ` + errs + ` >= ` + total + ` THEN 'completed'
		ELSE 'processing'
	END`
}

func (r *repoPG) AdjustTotal(ctx context.Context, key Key, requestID string, phase Phase, delta int) (*Progress, error) {
	col := phaseColumn(phase, "total")
	newTotal := `GREATEST(0, ` + col + ` + $5)`
	p, err := scanProgress(r.pool.QueryRow(ctx, `
		UPDATE doc_query_progress
		SET `+col+` = `+newTotal+`,
			`+phaseColumn(phase, "status")+` = `+statusExpr(phase, newTotal, phaseColumn(phase, "successful"), phaseColumn(phase, "errors"))+`,
			updated_at = NOW()
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3 AND request_id = $4
		RETURNING `+progressCols,
		key.CxID, key.PatientID, string(key.Source), requestID, delta))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.epochCheck(ctx, key, requestID)
	}
	return p, err
}

func (r *repoPG) Increment(ctx context.Context, key Key, requestID string, phase Phase, delta Delta) (*Progress, error) {
	okCol := phaseColumn(phase, "successful")
	errCol := phaseColumn(phase, "errors")
	p, err := scanProgress(r.pool.QueryRow(ctx, `
		UPDATE doc_query_progress
		SET `+okCol+` = `+okCol+` + $5, `+errCol+` = `+errCol+` + $6,
			`+phaseColumn(phase, "status")+` = `+statusExpr(phase, phaseColumn(phase, "total"), okCol+` + $5`, errCol+` + $6`)+`,
			updated_at = NOW()
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3 AND request_id = $4
		RETURNING `+progressCols,
		key.CxID, key.PatientID, string(key.Source), requestID, delta.Successful, delta.Errors))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.epochCheck(ctx, key, requestID)
	}
	return p, err
}

func (r *repoPG) FinalizePhase(ctx context.Context, key Key, requestID string, phase Phase) (*Progress, error) {
	total := phaseColumn(phase, "total")
	okCol := phaseColumn(phase, "successful")
	errCol := phaseColumn(phase, "errors")
	statusCol := phaseColumn(phase, "status")
	p, err := scanProgress(r.pool.QueryRow(ctx, `
		UPDATE doc_query_progress
		SET `+statusCol+` = CASE
				WHEN `+statusCol+` IN ('completed', 'failed') THEN `+statusCol+`
				WHEN `+okCol+` + `+errCol+` >= `+total+` THEN
					CASE WHEN `+total+` > 0 AND `+errCol+` >= `+total+` THEN 'failed' ELSE 'completed' END
				ELSE `+statusCol+`
			END,
			updated_at = NOW()
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3 AND request_id = $4
		RETURNING `+progressCols,
		key.CxID, key.PatientID, string(key.Source), requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.epochCheck(ctx, key, requestID)
	}
	return p, err
}

func (r *repoPG) ClaimWebhook(ctx context.Context, key Key, requestID string, phase Phase) (bool, error) {
	col := "download_webhook_sent"
	if phase == PhaseConvert {
		col = "convert_webhook_sent"
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE doc_query_progress
		SET `+col+` = TRUE, updated_at = NOW()
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3 AND request_id = $4 AND `+col+` = FALSE`,
		key.CxID, key.PatientID, string(key.Source), requestID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func phaseColumn(phase Phase, suffix string) string {
	if phase == PhaseConvert {
		return "convert_" + suffix
	}
	return "download_" + suffix
}
