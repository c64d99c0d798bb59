// Package ratelimit реализует лимитер запросов с фиксированным окном поверх Redis.
// Счётчики ведутся отдельно по пользователю и по сетевому источнику;
// сброс происходит только по истечении TTL, явного удаления ключей нет.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed window.lua
var windowScript string

// Значения по умолчанию: не более 10 запросов за 60 секунд на ключ.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 10
)

// Limiter считает попытки выдачи в фиксированном окне.
// Отказ не откатывает инкремент: неудачные попытки тоже расходуют лимит.
type Limiter struct {
	rdb    *redis.Client
	sha    string
	window time.Duration
	max    int64
}

// New загружает скрипт инкремента и возвращает лимитер с заданным окном и максимумом.
// Нулевые window и max заменяются значениями по умолчанию.
func New(ctx context.Context, rdb *redis.Client, window time.Duration, max int64) (*Limiter, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sha, err := rdb.ScriptLoad(loadCtx, windowScript).Result()
	if err != nil {
		return nil, fmt.Errorf("load window script: %w", err)
	}

	return &Limiter{rdb: rdb, sha: sha, window: window, max: max}, nil
}

// Admit инкрементирует счётчики пользователя и источника и допускает запрос,
// только если оба счётчика не превысили максимум. Пустой origin не учитывается.
func (l *Limiter) Admit(ctx context.Context, userID int64, origin string) (bool, error) {
	userCount, err := l.incrWithTTL(ctx, claimantKey(userID))
	if err != nil {
		return false, err
	}
	if userCount > l.max {
		return false, nil
	}

	if origin == "" {
		return true, nil
	}

	originCount, err := l.incrWithTTL(ctx, originKey(origin))
	if err != nil {
		return false, err
	}
	return originCount <= l.max, nil
}

func (l *Limiter) incrWithTTL(ctx context.Context, key string) (int64, error) {
	v, err := l.rdb.EvalSha(ctx, l.sha, []string{key}, int(l.window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment rate counter %s: %w", key, err)
	}
	return v, nil
}

func claimantKey(userID int64) string {
	return fmt.Sprintf("rate:claimant:%d", userID)
}

func originKey(origin string) string {
	return fmt.Sprintf("rate:origin:%s", origin)
}
