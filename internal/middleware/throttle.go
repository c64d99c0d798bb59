package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle ограничивает частоту запросов с одного адреса in-process token bucket'ом.
// Это грубый внешний заслон перед Redis: авторитетный лимит по пользователю и
// источнику считает лимитер с фиксированным окном внутри сервиса.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type throttleEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewThrottle создаёт заслон с заданной частотой и burst'ом на адрес.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		entries: make(map[string]*throttleEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
	}
}

// Middleware отклоняет запрос со статусом 429 при превышении частоты.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !t.limiterFor(host).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) limiterFor(host string) *rate.Limiter {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if ent, ok := t.entries[host]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(t.rps, t.burst)
	t.entries[host] = &throttleEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup удаляет записи адресов, не появлявшихся дольше idleTTL.
func (t *Throttle) Cleanup() {
	cutoff := time.Now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for host, ent := range t.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(t.entries, host)
		}
	}
}

// StartJanitor периодически чистит неактивные записи, пока контекст не отменён.
func (t *Throttle) StartJanitor(done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}
