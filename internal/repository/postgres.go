// Package repository содержит реализацию доступа к данным в PostgreSQL.
// БД — источник истины для конфигурации событий и купонов и для записей о выдаче;
// быстрый счётчик остатка живёт в Redis и сверяется с БД оркестратором.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dkovalev/couponrush-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с занятым логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrEventNotFound возвращается, если событие не найдено.
	ErrEventNotFound = errors.New("event not found")
	// ErrCouponNotFound возвращается, если купон не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrClaimExists возвращается, если купон уже записан за пользователем.
	ErrClaimExists = errors.New("coupon already issued to user")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}

	return &u, nil
}

// GetEvents возвращает все события.
func (r *PostgresRepository) GetEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, detail, start_at, end_at FROM events ORDER BY start_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.Detail, &e.StartAt, &e.EndAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// GetEventByID возвращает событие по идентификатору.
func (r *PostgresRepository) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, detail, start_at, end_at FROM events WHERE id = $1`,
		id,
	)

	var e model.Event
	if err := row.Scan(&e.ID, &e.Name, &e.Detail, &e.StartAt, &e.EndAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	return &e, nil
}

// GetCouponByID возвращает купон вместе с владеющим событием.
func (r *PostgresRepository) GetCouponByID(ctx context.Context, id int64) (*model.CouponDetail, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT c.id, c.event_id, c.name, c.detail, c.apply_start_at, c.apply_end_at, c.total_count,
		        e.id, e.name, e.detail, e.start_at, e.end_at
		 FROM coupons c
		 JOIN events e ON e.id = c.event_id
		 WHERE c.id = $1`,
		id,
	)

	var d model.CouponDetail
	err := row.Scan(
		&d.Coupon.ID, &d.Coupon.EventID, &d.Coupon.Name, &d.Coupon.Detail,
		&d.Coupon.ApplyStartAt, &d.Coupon.ApplyEndAt, &d.Coupon.TotalCount,
		&d.Event.ID, &d.Event.Name, &d.Event.Detail, &d.Event.StartAt, &d.Event.EndAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return &d, nil
}

// GetCouponsByEvent возвращает купоны события.
func (r *PostgresRepository) GetCouponsByEvent(ctx context.Context, eventID int64) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_id, name, detail, apply_start_at, apply_end_at, total_count
		 FROM coupons
		 WHERE event_id = $1
		 ORDER BY id`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var coupons []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.EventID, &c.Name, &c.Detail,
			&c.ApplyStartAt, &c.ApplyEndAt, &c.TotalCount); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return coupons, nil
}

// CreateUserCoupon записывает факт выдачи купона пользователю со статусом UNUSED.
// Одна попытка, без ретраев: при ошибке вызывающий компенсирует выдачу в леджере.
func (r *PostgresRepository) CreateUserCoupon(ctx context.Context, userID, couponID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO user_coupons (user_id, coupon_id, status) VALUES ($1, $2, $3) RETURNING id`,
		userID, couponID, string(model.CouponStatusUnused),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: user %d, coupon %d", ErrClaimExists, userID, couponID)
		}
		return 0, fmt.Errorf("create user coupon: %w", err)
	}
	return id, nil
}

// GetUserCouponsByUser возвращает выданные пользователю купоны с названиями.
func (r *PostgresRepository) GetUserCouponsByUser(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT uc.id, uc.user_id, uc.coupon_id, c.name, uc.status, uc.issued_at
		 FROM user_coupons uc
		 JOIN coupons c ON c.id = uc.coupon_id
		 WHERE uc.user_id = $1
		 ORDER BY uc.issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user coupons: %w", err)
	}
	defer rows.Close()

	var res []model.UserCoupon
	for rows.Next() {
		var (
			uc     model.UserCoupon
			status string
		)
		if err := rows.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &uc.CouponName, &status, &uc.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan user coupon: %w", err)
		}
		uc.Status = model.CouponStatus(status)
		res = append(res, uc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
