package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflabs/instancer/internal/domain"
	"github.com/ctflabs/instancer/internal/repository"
)

// admissionLockKey serializes Reserve transactions across every process
// sharing the database. pg_advisory_xact_lock releases at commit/rollback.
const admissionLockKey = 7420198311

const uniqueViolationCode = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository     = (*Repository)(nil)
	_ repository.InstanceRepository = (*Repository)(nil)
)

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, email, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.Email, user.PasswordHash, user.Admin, user.CreatedAt)
	return err
}

// GetUserByUsername fetches a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Admin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Reserve inserts a Creating-status row. The capacity check, the
// per-(owner, template) uniqueness check and the insert run inside one
// transaction serialized by an advisory lock, so concurrent reservations
// observe each other's rows.
func (r *Repository) Reserve(ctx context.Context, res repository.Reservation) (*domain.Instance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
		return nil, fmt.Errorf("acquire admission lock: %w", err)
	}

	var active int
	const countQuery = `SELECT COUNT(1) FROM instances WHERE status IN ('creating', 'running')`
	if err := tx.QueryRow(ctx, countQuery).Scan(&active); err != nil {
		return nil, fmt.Errorf("count active instances: %w", err)
	}
	if active >= res.MaxInstances {
		return nil, &repository.CapacityError{Active: active, Max: res.MaxInstances}
	}

	var duplicate bool
	const dupQuery = `SELECT EXISTS (
		SELECT 1 FROM instances
		WHERE owner_id = $1 AND template_id = $2 AND status IN ('creating', 'running'))`
	if err := tx.QueryRow(ctx, dupQuery, res.OwnerID, res.TemplateID).Scan(&duplicate); err != nil {
		return nil, fmt.Errorf("check duplicate instance: %w", err)
	}
	if duplicate {
		return nil, repository.ErrDuplicateActiveInstance
	}

	const insertQuery = `INSERT INTO instances (id, owner_id, template_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insertQuery, res.ID, res.OwnerID, res.TemplateID, domain.StatusCreating, res.CreatedAt, res.ExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDuplicateActiveInstance
		}
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return &domain.Instance{
		ID:         res.ID,
		OwnerID:    res.OwnerID,
		TemplateID: res.TemplateID,
		Status:     domain.StatusCreating,
		CreatedAt:  res.CreatedAt,
		ExpiresAt:  res.ExpiresAt,
	}, nil
}

// Commit records provisioning results and moves the row to Running.
func (r *Repository) Commit(ctx context.Context, id, providerResourceName, endpoint string) error {
	const query = `UPDATE instances
		SET provider_resource_name = $2, endpoint = $3, status = $4
		WHERE id = $1 AND status = $5`
	tag, err := r.pool.Exec(ctx, query, id, providerResourceName, endpoint, domain.StatusRunning, domain.StatusCreating)
	if err != nil {
		return fmt.Errorf("commit instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkFailed moves a Creating row to the terminal Failed status.
func (r *Repository) MarkFailed(ctx context.Context, id string) error {
	const query = `UPDATE instances SET status = $2 WHERE id = $1 AND status = $3`
	tag, err := r.pool.Exec(ctx, query, id, domain.StatusFailed, domain.StatusCreating)
	if err != nil {
		return fmt.Errorf("mark instance failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkDeleted soft-deletes an instance. Re-deleting is a no-op; the row is
// retained for audit.
func (r *Repository) MarkDeleted(ctx context.Context, id string) error {
	const query = `UPDATE instances SET status = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, domain.StatusDeleted)
	if err != nil {
		return fmt.Errorf("mark instance deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const instanceColumns = `id, owner_id, template_id,
	COALESCE(provider_resource_name, ''), status, COALESCE(endpoint, ''),
	created_at, expires_at`

// GetInstance fetches an instance by ID.
func (r *Repository) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	inst, err := scanInstance(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

// ListByOwner returns an owner's non-deleted instances, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE owner_id = $1 AND status <> $2
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID, domain.StatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListActive returns every Creating or Running instance, newest first.
func (r *Repository) ListActive(ctx context.Context) ([]domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE status IN ('creating', 'running')
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListExpired returns active instances whose expires_at has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE status IN ('creating', 'running') AND expires_at <= $1
		ORDER BY expires_at ASC`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// CountActive counts instances holding a capacity slot.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(1) FROM instances WHERE status IN ('creating', 'running')`
	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetActiveStats aggregates live usage across templates, statuses and owners.
func (r *Repository) GetActiveStats(ctx context.Context) (*repository.ActiveStats, error) {
	stats := &repository.ActiveStats{
		ByTemplate: make(map[string]int),
		ByStatus:   make(map[string]int),
	}

	const totalsQuery = `SELECT COUNT(1), COUNT(DISTINCT owner_id)
		FROM instances WHERE status IN ('creating', 'running')`
	if err := r.pool.QueryRow(ctx, totalsQuery).Scan(&stats.Total, &stats.Owners); err != nil {
		return nil, fmt.Errorf("count active totals: %w", err)
	}

	const templateQuery = `SELECT template_id, COUNT(1) FROM instances
		WHERE status IN ('creating', 'running') GROUP BY template_id`
	if err := r.groupCounts(ctx, templateQuery, stats.ByTemplate); err != nil {
		return nil, fmt.Errorf("count by template: %w", err)
	}

	const statusQuery = `SELECT status, COUNT(1) FROM instances
		WHERE status IN ('creating', 'running') GROUP BY status`
	if err := r.groupCounts(ctx, statusQuery, stats.ByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return stats, nil
}

func (r *Repository) groupCounts(ctx context.Context, query string, dest map[string]int) error {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dest[key] = count
	}
	return rows.Err()
}

func scanInstance(row pgx.Row) (*domain.Instance, error) {
	var inst domain.Instance
	if err := row.Scan(&inst.ID, &inst.OwnerID, &inst.TemplateID, &inst.ProviderResourceName,
		&inst.Status, &inst.Endpoint, &inst.CreatedAt, &inst.ExpiresAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]domain.Instance, error) {
	var instances []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
