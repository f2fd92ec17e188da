package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// querier 是 *pgxpool.Pool 与 pgx.Tx 的公共子集。
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	DSN      string
	MaxConns int
	// ViaBouncer 为 true 时使用简单协议（经 pgbouncer 事务池时需要）。
	ViaBouncer bool
}

// Store 是基于 pgxpool 的 store.Store 实现。
type Store struct {
	pool *pgxpool.Pool
	repo
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 DATABASE_URL 失败：%w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败：%w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接数据库失败：%w", err)
	}
	return &Store{pool: pool, repo: repo{q: pool}}, nil
}

// Migrate 执行内嵌的建表语句（全部 IF NOT EXISTS，可重复执行）。
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("建表失败：%w", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Repository) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&repo{q: tx})
	})
}

// RefreshReporting 用 day 起的可用性重算每日汇总；哨兵行不计入。
func (s *Store) RefreshReporting(ctx context.Context, day domain.Date) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM availability_reporting WHERE date >= $1`, day.Time()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO availability_reporting (date, hut_id, free_room, total_room)
			SELECT date, hut_id, SUM(free_room), SUM(total_room)
			FROM availability
			WHERE date >= $1 AND bed_category_id <> $2
			GROUP BY date, hut_id`,
			day.Time(), domain.BedCategoryClosed)
		return err
	})
}

func (s *Store) DeleteExpiredSubscriptions(ctx context.Context, today domain.Date) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM free_bed_subscriptions WHERE date < $1`, today.Time())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type repo struct {
	q querier
}

const hutColumns = `id, name, source, link, website, country, region, latitude, longitude, altitude,
	enabled, manually_edited, added::text, activated::text, last_updated`

func (r *repo) GetUnit(ctx context.Context, id int) (*domain.Hut, error) {
	var (
		h         domain.Hut
		source    string
		added     string
		activated *string
	)
	err := r.q.QueryRow(ctx, `SELECT `+hutColumns+` FROM huts WHERE id = $1`, id).Scan(
		&h.ID, &h.Name, &source, &h.Link, &h.Website, &h.Country, &h.Region,
		&h.Latitude, &h.Longitude, &h.Altitude, &h.Enabled, &h.ManuallyEdited,
		&added, &activated, &h.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.Source = domain.Source(source)
	h.Added = domain.Date(added)
	if activated != nil {
		d := domain.Date(*activated)
		h.Activated = &d
	}
	return &h, nil
}

func (r *repo) UpsertUnit(ctx context.Context, h domain.Hut) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO huts (id, name, source, link, website, country, region, latitude, longitude, altitude,
			enabled, manually_edited, added, activated, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source = EXCLUDED.source,
			link = EXCLUDED.link,
			website = EXCLUDED.website,
			country = EXCLUDED.country,
			region = EXCLUDED.region,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			altitude = EXCLUDED.altitude,
			enabled = EXCLUDED.enabled,
			manually_edited = EXCLUDED.manually_edited,
			added = EXCLUDED.added,
			activated = EXCLUDED.activated,
			last_updated = EXCLUDED.last_updated`,
		h.ID, h.Name, string(h.Source), h.Link, h.Website, h.Country, h.Region, h.Latitude, h.Longitude, h.Altitude,
		h.Enabled, h.ManuallyEdited, h.Added.Time(), datePtr(h.Activated), h.LastUpdated,
	)
	return err
}

func (r *repo) DeleteUnit(ctx context.Context, id int) error {
	_, err := r.q.Exec(ctx, `DELETE FROM huts WHERE id = $1`, id)
	return err
}

func (r *repo) GetAvailability(ctx context.Context, hutID int, date *domain.Date) ([]domain.Availability, error) {
	sql := `SELECT hut_id, date::text, bed_category_id, tenant_bed_category_id, free_room, total_room, last_updated
		FROM availability WHERE hut_id = $1`
	args := []any{hutID}
	if date != nil {
		sql += ` AND date = $2`
		args = append(args, date.Time())
	}
	sql += ` ORDER BY date, bed_category_id`

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Availability
	for rows.Next() {
		var (
			a domain.Availability
			d string
		)
		if err := rows.Scan(&a.HutID, &d, &a.BedCategoryID, &a.TenantBedCategoryID, &a.FreeRoom, &a.TotalRoom, &a.LastUpdated); err != nil {
			return nil, err
		}
		a.Date = domain.Date(d)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repo) UpsertAvailability(ctx context.Context, a domain.Availability) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO availability (hut_id, date, bed_category_id, tenant_bed_category_id, free_room, total_room, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (hut_id, date, bed_category_id) DO UPDATE SET
			tenant_bed_category_id = EXCLUDED.tenant_bed_category_id,
			free_room = EXCLUDED.free_room,
			total_room = EXCLUDED.total_room,
			last_updated = EXCLUDED.last_updated`,
		a.HutID, a.Date.Time(), a.BedCategoryID, a.TenantBedCategoryID, a.FreeRoom, a.TotalRoom, a.LastUpdated,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%s：%w", pgErr.Message, store.ErrNotFound)
	}
	return err
}

func (r *repo) DeleteAvailability(ctx context.Context, key domain.AvailabilityKey) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM availability WHERE hut_id = $1 AND date = $2 AND bed_category_id = $3`,
		key.HutID, key.Date.Time(), key.BedCategoryID)
	return err
}

func (r *repo) EnsureBedCategory(ctx context.Context, id int) error {
	name := fmt.Sprintf("Kategorie %d", id)
	if id == domain.BedCategoryClosed {
		name = "Geschlossen"
	}
	_, err := r.q.Exec(ctx, `INSERT INTO bed_categories (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, name)
	return err
}

func (r *repo) ListBedCategories(ctx context.Context) ([]domain.BedCategory, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, shares_name_with FROM bed_categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BedCategory
	for rows.Next() {
		var c domain.BedCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.SharesNameWith); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repo) ListEnabledUnitIDs(ctx context.Context, src domain.Source) ([]int, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM huts WHERE source = $1 AND enabled ORDER BY id`, string(src))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *repo) GetSubscriptions(ctx context.Context, hutID int, date domain.Date) ([]domain.Subscription, error) {
	rows, err := r.q.Query(ctx, `
		SELECT hut_id, date::text, email_address, notified
		FROM free_bed_subscriptions
		WHERE hut_id = $1 AND date = $2
		ORDER BY email_address`, hutID, date.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Subscription
	for rows.Next() {
		var (
			s domain.Subscription
			d string
		)
		if err := rows.Scan(&s.HutID, &d, &s.EmailAddress, &s.Notified); err != nil {
			return nil, err
		}
		s.Date = domain.Date(d)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repo) MarkNotified(ctx context.Context, key domain.SubscriptionKey) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE free_bed_subscriptions SET notified = TRUE
		WHERE hut_id = $1 AND date = $2 AND email_address = $3`,
		key.HutID, key.Date.Time(), key.EmailAddress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("订阅 %+v：%w", key, store.ErrNotFound)
	}
	return nil
}

func datePtr(d *domain.Date) *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time()
	return &t
}
