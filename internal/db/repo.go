package db

import (
	"context"
	"database/sql"
	"time"

	"dbforge/internal/models"
)

// Repository is the durable metadata mirror implementing the
// metadata-store capability set: upsert/delete/list instances and
// backups. Mutations are durable before returning; reads may be dirty
// with respect to the in-memory registry, which is canonical.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

// UpsertInstance writes through an Instance record, inserting or
// replacing it wholesale.
func (r *Repository) UpsertInstance(ctx context.Context, inst models.Instance) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO instances
		(id,dialect,host_container_id,db_name,username,password,state,created_at,last_activity_at,expires_at,forked_from,size_bytes,read_only)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			dialect=excluded.dialect,
			host_container_id=excluded.host_container_id,
			db_name=excluded.db_name,
			username=excluded.username,
			password=excluded.password,
			state=excluded.state,
			last_activity_at=excluded.last_activity_at,
			expires_at=excluded.expires_at,
			forked_from=excluded.forked_from,
			size_bytes=excluded.size_bytes,
			read_only=excluded.read_only`,
		inst.ID, string(inst.Dialect), inst.HostContainerID, inst.DBName, inst.Username, inst.Password,
		string(inst.State), inst.CreatedAt.UTC(), inst.LastActivityAt.UTC(), inst.ExpiresAt.UTC(),
		nullableString(inst.ForkedFrom), inst.SizeBytes, boolToInt(inst.ReadOnly))
	return err
}

// DeleteInstance removes the durable record. Idempotent: deleting an
// already-absent id is not an error.
func (r *Repository) DeleteInstance(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

// GetInstance returns the durable record for id, or sql.ErrNoRows.
func (r *Repository) GetInstance(ctx context.Context, id string) (models.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,dialect,host_container_id,db_name,username,password,state,created_at,last_activity_at,expires_at,forked_from,size_bytes,read_only FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// ListInstances returns every durable Instance record, used to rebuild
// the in-memory registry after a process restart.
func (r *Repository) ListInstances(ctx context.Context) ([]models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,dialect,host_container_id,db_name,username,password,state,created_at,last_activity_at,expires_at,forked_from,size_bytes,read_only FROM instances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListExpired returns instances in Ready/Busy whose expires_at has
// passed, the reaper's candidate set.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,dialect,host_container_id,db_name,username,password,state,created_at,last_activity_at,expires_at,forked_from,size_bytes,read_only
		FROM instances WHERE expires_at <= ? AND state IN (?,?)`, now.UTC(), string(models.StateReady), string(models.StateBusy))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (models.Instance, error) {
	var inst models.Instance
	var dialect, state string
	var forkedFrom sql.NullString
	var readOnly int
	err := row.Scan(&inst.ID, &dialect, &inst.HostContainerID, &inst.DBName, &inst.Username, &inst.Password,
		&state, &inst.CreatedAt, &inst.LastActivityAt, &inst.ExpiresAt, &forkedFrom, &inst.SizeBytes, &readOnly)
	if err != nil {
		return models.Instance{}, err
	}
	inst.Dialect = models.Dialect(dialect)
	inst.State = models.InstanceState(state)
	inst.ReadOnly = readOnly == 1
	if forkedFrom.Valid {
		inst.ForkedFrom = forkedFrom.String
	}
	return inst, nil
}

// UpsertBackup writes through an immutable Backup record.
func (r *Repository) UpsertBackup(ctx context.Context, b models.BackupRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO backups (backup_id,db_id,dialect,created_at,expires_at,size_bytes,storage_key)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(backup_id) DO NOTHING`,
		b.BackupID, b.DBID, string(b.Dialect), b.CreatedAt.UTC(), b.ExpiresAt.UTC(), b.SizeBytes, b.StorageKey)
	return err
}

func (r *Repository) DeleteBackup(ctx context.Context, backupID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?`, backupID)
	return err
}

func (r *Repository) GetBackup(ctx context.Context, backupID string) (models.BackupRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT backup_id,db_id,dialect,created_at,expires_at,size_bytes,storage_key FROM backups WHERE backup_id = ?`, backupID)
	return scanBackup(row)
}

func (r *Repository) ListBackups(ctx context.Context, dbID string) ([]models.BackupRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT backup_id,db_id,dialect,created_at,expires_at,size_bytes,storage_key FROM backups WHERE db_id = ? ORDER BY created_at DESC`, dbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BackupRecord
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackup(row rowScanner) (models.BackupRecord, error) {
	var b models.BackupRecord
	var dialect string
	err := row.Scan(&b.BackupID, &b.DBID, &dialect, &b.CreatedAt, &b.ExpiresAt, &b.SizeBytes, &b.StorageKey)
	if err != nil {
		return models.BackupRecord{}, err
	}
	b.Dialect = models.Dialect(dialect)
	return b, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
