// Package cache реализует кэш деталей купона в Redis.
// Кэш хранит только отображаемые поля; остаток и флаги активности
// он не заменяет и источником истины не является.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dkovalev/couponrush-system/internal/model"
)

// DefaultTTL — время жизни записи кэша деталей по умолчанию.
const DefaultTTL = 3600 * time.Second

// Cache хранит JSON-снимки купонов с TTL.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New возвращает кэш с заданным TTL. Нулевой ttl заменяется значением по умолчанию.
func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get возвращает снимок купона или nil при промахе.
// Повреждённая запись трактуется как промах: порча кэша не должна блокировать выдачу.
func (c *Cache) Get(ctx context.Context, couponID int64) (*model.CouponSnapshot, error) {
	raw, err := c.rdb.Get(ctx, detailKey(couponID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon detail %d: %w", couponID, err)
	}

	var snap model.CouponSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		c.logger.Warn("coupon cache deserialize failed, treating as miss",
			zap.Int64("couponID", couponID), zap.Error(err))
		return nil, nil
	}

	return &snap, nil
}

// Put сохраняет снимок купона с настроенным TTL.
func (c *Cache) Put(ctx context.Context, couponID int64, snap *model.CouponSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal coupon detail %d: %w", couponID, err)
	}
	if err := c.rdb.Set(ctx, detailKey(couponID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set coupon detail %d: %w", couponID, err)
	}
	return nil
}

func detailKey(couponID int64) string {
	return fmt.Sprintf("item:detail:%d", couponID)
}
