package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
)

// Compile-time interface assertions.
var (
	_ OptionRepository = (*PostgresOptionRepo)(nil)
	_ SiteRepository   = (*PostgresSiteRepo)(nil)
	_ KeyRepository    = (*PostgresKeyRepo)(nil)
)

// Schema creates the tables used by the Postgres repositories.
const Schema = `
CREATE TABLE IF NOT EXISTS sites (
	id         BIGINT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	host       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sites_host_idx ON sites (host);

CREATE TABLE IF NOT EXISTS site_options (
	site_id    BIGINT NOT NULL REFERENCES sites (id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (site_id, name)
);
CREATE INDEX IF NOT EXISTS site_options_name_value_idx ON site_options (name, value);

CREATE TABLE IF NOT EXISTS signing_keys (
	id         BIGINT PRIMARY KEY,
	kid        TEXT NOT NULL UNIQUE,
	secret     BYTEA NOT NULL,
	algorithm  TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresOptionRepo implements OptionRepository.
type PostgresOptionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresOptionRepo(pool *pgxpool.Pool) *PostgresOptionRepo {
	return &PostgresOptionRepo{db: pool}
}

const selectOptionsSQL = `SELECT name, value FROM site_options WHERE site_id = $1 AND name = ANY($2)`

func (r *PostgresOptionRepo) GetOptions(ctx context.Context, siteID int64, names ...string) (map[string]string, error) {
	rows, err := r.db.Query(ctx, selectOptionsSQL, siteID, names)
	if err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(names))
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	return values, nil
}

const upsertOptionSQL = `INSERT INTO site_options (site_id, name, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (site_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

func (r *PostgresOptionRepo) SetOptions(ctx context.Context, siteID int64, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for name, value := range values {
			if _, err := tx.Exec(ctx, upsertOptionSQL, siteID, name, value); err != nil {
				return fmt.Errorf("upsert %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set options: %w", err)
	}
	return nil
}

const deleteOptionsSQL = `DELETE FROM site_options WHERE site_id = $1 AND name = ANY($2)`

func (r *PostgresOptionRepo) DeleteOptions(ctx context.Context, siteID int64, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, deleteOptionsSQL, siteID, names); err != nil {
		return fmt.Errorf("delete options: %w", err)
	}
	return nil
}

const findSitesByOptionSQL = `SELECT site_id FROM site_options WHERE name = $1 AND value = $2 ORDER BY site_id`

func (r *PostgresOptionRepo) FindSiteIDs(ctx context.Context, name, value string) ([]int64, error) {
	rows, err := r.db.Query(ctx, findSitesByOptionSQL, name, value)
	if err != nil {
		return nil, fmt.Errorf("find sites by option: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("find sites by option: %w", err)
	}
	return ids, nil
}

// PostgresSiteRepo implements SiteRepository.
type PostgresSiteRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSiteRepo(pool *pgxpool.Pool) *PostgresSiteRepo {
	return &PostgresSiteRepo{db: pool}
}

const siteColumns = `id, url, name, created_at`

func (r *PostgresSiteRepo) GetSite(ctx context.Context, siteID int64) (domain.Site, error) {
	row := r.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID)
	site, err := scanSite(row)
	if err != nil {
		return domain.Site{}, fmt.Errorf("get site %d: %w", siteID, err)
	}
	return site, nil
}

func (r *PostgresSiteRepo) GetSiteByHost(ctx context.Context, host string) (domain.Site, error) {
	row := r.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE host = $1 ORDER BY id LIMIT 1`, host)
	site, err := scanSite(row)
	if err != nil {
		return domain.Site{}, fmt.Errorf("get site by host %s: %w", host, err)
	}
	return site, nil
}

func (r *PostgresSiteRepo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.db.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []domain.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("list sites: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

const insertSiteSQL = `INSERT INTO sites (id, url, host, name)
VALUES ($1, $2, $3, $4)
RETURNING ` + siteColumns

func (r *PostgresSiteRepo) CreateSite(ctx context.Context, site domain.Site) (domain.Site, error) {
	row := r.db.QueryRow(ctx, insertSiteSQL, site.ID, site.BaseURL(), site.Host(), site.Name)
	created, err := scanSite(row)
	if err != nil {
		return domain.Site{}, fmt.Errorf("create site: %w", err)
	}
	return created, nil
}

func scanSite(row pgx.Row) (domain.Site, error) {
	var site domain.Site
	if err := row.Scan(&site.ID, &site.URL, &site.Name, &site.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Site{}, instagram.ErrSiteNotFound
		}
		return domain.Site{}, err
	}
	return site, nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, `SELECT id, kid, secret, algorithm, is_active, created_at
FROM signing_keys WHERE is_active ORDER BY created_at DESC LIMIT 1`)
	var key domain.SigningKey
	if err := row.Scan(&key.ID, &key.KID, &key.Secret, &key.Algorithm, &key.IsActive, &key.CreatedAt); err != nil {
		return domain.SigningKey{}, fmt.Errorf("get active key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO signing_keys (id, kid, secret, algorithm, is_active)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`, key.ID, key.KID, key.Secret, key.Algorithm, key.IsActive)
	if err := row.Scan(&key.CreatedAt); err != nil {
		return domain.SigningKey{}, fmt.Errorf("create key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) RotateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	key.IsActive = true
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE signing_keys SET is_active = false WHERE is_active`); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `INSERT INTO signing_keys (id, kid, secret, algorithm, is_active)
VALUES ($1, $2, $3, $4, true)
RETURNING created_at`, key.ID, key.KID, key.Secret, key.Algorithm).Scan(&key.CreatedAt)
	})
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("rotate key: %w", err)
	}
	return key, nil
}
