// Package ledger реализует атомарный учёт остатков купонов в Redis.
// Единственный источник истины для ответов «есть ли ещё купоны» и
// «получал ли пользователь этот купон»; все мутации идут через Lua-скрипт,
// TryClaim/Rollback/InitStockIfAbsent — других путей записи нет.
package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed claim.lua
var claimScript string

// ErrStoreUnavailable возвращается при любой ошибке обращения к Redis.
// Отличается от бизнес-исходов: результат операции неизвестен, а не отрицателен.
var ErrStoreUnavailable = errors.New("ledger store unavailable")

// ClaimResult — исход атомарной попытки выдачи.
type ClaimResult int

const (
	// ClaimGranted — купон выдан, остаток уменьшен на единицу.
	ClaimGranted ClaimResult = iota
	// ClaimExhausted — тираж исчерпан, остаток не изменён.
	ClaimExhausted
	// ClaimAlreadyClaimed — пользователь уже получал этот купон, остаток не изменён.
	ClaimAlreadyClaimed
)

// Ledger выполняет операции учёта остатков и множества получателей купона.
type Ledger struct {
	rdb      *redis.Client
	claimSHA string
}

// New проверяет соединение с Redis и загружает скрипт выдачи.
func New(ctx context.Context, rdb *redis.Client) (*Ledger, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}

	sha, err := rdb.ScriptLoad(pingCtx, claimScript).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load claim script: %v", ErrStoreUnavailable, err)
	}

	return &Ledger{rdb: rdb, claimSHA: sha}, nil
}

// TryClaim атомарно пытается выдать купон пользователю.
// Порядок внутри скрипта фиксирован: проверка дубликата, затем декремент остатка.
func (l *Ledger) TryClaim(ctx context.Context, couponID, userID int64) (ClaimResult, error) {
	res, err := l.rdb.EvalSha(ctx, l.claimSHA,
		[]string{claimantsKey(couponID), stockKey(couponID)},
		userID,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: try claim coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}

	switch res {
	case 1:
		return ClaimGranted, nil
	case 0:
		return ClaimExhausted, nil
	case -1:
		return ClaimAlreadyClaimed, nil
	default:
		return 0, fmt.Errorf("%w: unexpected claim script result %d", ErrStoreUnavailable, res)
	}
}

// InitStockIfAbsent записывает начальный остаток, только если ключ ещё не существует.
// Повторные активации не перетирают уже расходуемый счётчик.
func (l *Ledger) InitStockIfAbsent(ctx context.Context, couponID int64, total int) error {
	if err := l.rdb.SetNX(ctx, stockKey(couponID), total, 0).Err(); err != nil {
		return fmt.Errorf("%w: init stock for coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return nil
}

// InitStock безусловно перезаписывает остаток значением из БД.
// Только для административной принудительной инициализации до старта события.
func (l *Ledger) InitStock(ctx context.Context, couponID int64, total int) error {
	if err := l.rdb.Set(ctx, stockKey(couponID), total, 0).Err(); err != nil {
		return fmt.Errorf("%w: force init stock for coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return nil
}

// Rollback возвращает единицу остатка и убирает пользователя из множества получателей.
// Применяется только для отмены выдачи, запись которой в БД не удалась.
// Ошибка здесь означает расхождение леджера с БД и должна эскалироваться вызывающим.
func (l *Ledger) Rollback(ctx context.Context, couponID, userID int64) error {
	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, stockKey(couponID))
	pipe.SRem(ctx, claimantsKey(couponID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rollback coupon %d for user %d: %v", ErrStoreUnavailable, couponID, userID, err)
	}
	return nil
}

// Stock возвращает текущий остаток купона. Второе значение false — ключ не инициализирован.
func (l *Ledger) Stock(ctx context.Context, couponID int64) (int64, bool, error) {
	v, err := l.rdb.Get(ctx, stockKey(couponID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get stock for coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return v, true, nil
}

// SetEventActive помечает событие активным на время ttl (до конца события).
func (l *Ledger) SetEventActive(ctx context.Context, eventID int64, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, eventActiveKey(eventID), "true", ttl).Err(); err != nil {
		return fmt.Errorf("%w: set event %d active: %v", ErrStoreUnavailable, eventID, err)
	}
	return nil
}

// IsEventActive сообщает, активно ли событие. Отсутствие ключа — не активно.
func (l *Ledger) IsEventActive(ctx context.Context, eventID int64) (bool, error) {
	n, err := l.rdb.Exists(ctx, eventActiveKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check event %d active: %v", ErrStoreUnavailable, eventID, err)
	}
	return n == 1, nil
}

// SetCouponActive помечает купон доступным для выдачи на время ttl.
func (l *Ledger) SetCouponActive(ctx context.Context, couponID int64, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, couponActiveKey(couponID), "true", ttl).Err(); err != nil {
		return fmt.Errorf("%w: set coupon %d active: %v", ErrStoreUnavailable, couponID, err)
	}
	return nil
}

// IsCouponActive сообщает, помечен ли купон доступным для выдачи.
func (l *Ledger) IsCouponActive(ctx context.Context, couponID int64) (bool, error) {
	n, err := l.rdb.Exists(ctx, couponActiveKey(couponID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check coupon %d active: %v", ErrStoreUnavailable, couponID, err)
	}
	return n == 1, nil
}

func stockKey(couponID int64) string {
	return fmt.Sprintf("item:%d:stock", couponID)
}

func claimantsKey(couponID int64) string {
	return fmt.Sprintf("item:%d:claimants", couponID)
}

func eventActiveKey(eventID int64) string {
	return fmt.Sprintf("event:%d:active", eventID)
}

func couponActiveKey(couponID int64) string {
	return fmt.Sprintf("item:%d:active", couponID)
}
