// Package model содержит доменные сущности сервиса выдачи купонов.
package model

import "time"

// Event представляет событие (акцию), в рамках которого выдаются купоны.
type Event struct {
	ID      int64
	Name    string
	Detail  string
	StartAt time.Time
	EndAt   time.Time
}

// Coupon представляет купон с ограниченным тиражом, принадлежащий событию.
// TotalCount — начальный тираж, он же стартовое значение счётчика остатка в Redis.
type Coupon struct {
	ID           int64
	EventID      int64
	Name         string
	Detail       string
	ApplyStartAt time.Time
	ApplyEndAt   time.Time
	TotalCount   int
}

// CouponDetail объединяет купон и его событие — всё, что нужно горячему пути выдачи.
type CouponDetail struct {
	Coupon Coupon
	Event  Event
}

// CouponSnapshot — сериализуемый снимок купона и события для кэша деталей.
// Снимок используется только для отображения и проверки окон; остаток в нём не хранится.
type CouponSnapshot struct {
	CouponID     int64     `json:"coupon_id"`
	EventID      int64     `json:"event_id"`
	CouponName   string    `json:"coupon_name"`
	CouponDetail string    `json:"coupon_detail"`
	ApplyStartAt time.Time `json:"apply_start_at"`
	ApplyEndAt   time.Time `json:"apply_end_at"`
	TotalCount   int       `json:"total_count"`
	EventName    string    `json:"event_name"`
	EventStartAt time.Time `json:"event_start_at"`
	EventEndAt   time.Time `json:"event_end_at"`
}

// User представляет зарегистрированного пользователя.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// CouponStatus описывает статус выданного купона.
type CouponStatus string

const (
	CouponStatusUnused  CouponStatus = "UNUSED"
	CouponStatusUsed    CouponStatus = "USED"
	CouponStatusExpired CouponStatus = "EXPIRED"
)

// UserCoupon описывает факт выдачи купона пользователю.
// Пара (UserID, CouponID) уникальна: купон выдаётся пользователю не более одного раза.
type UserCoupon struct {
	ID         int64
	UserID     int64
	CouponID   int64
	CouponName string
	Status     CouponStatus
	IssuedAt   time.Time
}

// UserInfo содержит логин пользователя и список его купонов.
type UserInfo struct {
	Login   string
	Coupons []UserCoupon
}
