package document

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

// FindOrCreateID inserts a fresh UUID for the key; on conflict the
// existing row wins and its ID is returned, so racing writers converge on
// one ID.
func (r *mappingRepoPG) FindOrCreateID(ctx context.Context, key MappingKey) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO document_id_mapping (id, cx_id, patient_id, source, external_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cx_id, patient_id, source, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id`,
		uuid.NewString(), key.CxID, key.PatientID, string(key.Source), key.ExternalID).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *mappingRepoPG) GetID(ctx context.Context, key MappingKey) (string, bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM document_id_mapping
		WHERE cx_id = $1 AND patient_id = $2 AND source = $3 AND external_id = $4`,
		key.CxID, key.PatientID, string(key.Source), key.ExternalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
