// Package handler содержит HTTP-обработчики API сервиса выдачи купонов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dkovalev/couponrush-system/internal/middleware"
	"github.com/dkovalev/couponrush-system/internal/model"
	"github.com/dkovalev/couponrush-system/internal/repository"
	"github.com/dkovalev/couponrush-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetUserInfo(ctx context.Context, userID int64) (*model.UserInfo, error)
	GetEvents(ctx context.Context) ([]model.Event, error)
	GetEventByID(ctx context.Context, eventID int64) (*model.Event, error)
	GetCouponsByEvent(ctx context.Context, eventID int64) ([]model.Coupon, error)
	IssueCoupon(ctx context.Context, userID, couponID int64, origin string) error
	ActivateEvent(ctx context.Context, eventID int64) error
	InitializeEventStocks(ctx context.Context, eventID int64) error
}

// Handler реализует HTTP-обработчики API сервиса выдачи купонов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	throttle       *middleware.Throttle
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, throttle *middleware.Throttle) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		throttle:       throttle,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type userCouponResponse struct {
	CouponID   int64  `json:"coupon_id"`
	CouponName string `json:"coupon_name"`
	Status     string `json:"status"`
	IssuedAt   string `json:"issued_at"`
}

type userInfoResponse struct {
	Login   string               `json:"login"`
	Coupons []userCouponResponse `json:"coupons"`
}

// GetUserInfo возвращает логин текущего пользователя и его купоны.
func (h *Handler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	info, err := h.service.GetUserInfo(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get user info error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := userInfoResponse{
		Login:   info.Login,
		Coupons: make([]userCouponResponse, 0, len(info.Coupons)),
	}
	for _, c := range info.Coupons {
		resp.Coupons = append(resp.Coupons, userCouponResponse{
			CouponID:   c.CouponID,
			CouponName: c.CouponName,
			Status:     string(c.Status),
			IssuedAt:   c.IssuedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, resp)
}

type eventResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Detail  string `json:"detail"`
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

// GetEvents возвращает список всех событий.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.GetEvents(r.Context())
	if err != nil {
		h.logger.Error("get events error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponseFrom(e))
	}

	writeJSON(w, h.logger, resp)
}

// GetEvent возвращает событие по идентификатору.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}

	event, err := h.service.GetEventByID(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get event error", zap.Error(err), zap.Int64("eventID", eventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, eventResponseFrom(*event))
}

type couponResponse struct {
	ID           int64  `json:"id"`
	EventID      int64  `json:"event_id"`
	Name         string `json:"name"`
	Detail       string `json:"detail"`
	ApplyStartAt string `json:"apply_start_at"`
	ApplyEndAt   string `json:"apply_end_at"`
	TotalCount   int    `json:"total_count"`
}

// GetEventCoupons возвращает купоны указанного события.
func (h *Handler) GetEventCoupons(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}

	coupons, err := h.service.GetCouponsByEvent(r.Context(), eventID)
	if err != nil {
		h.logger.Error("get event coupons error", zap.Error(err), zap.Int64("eventID", eventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]couponResponse, 0, len(coupons))
	for _, c := range coupons {
		resp = append(resp, couponResponse{
			ID:           c.ID,
			EventID:      c.EventID,
			Name:         c.Name,
			Detail:       c.Detail,
			ApplyStartAt: c.ApplyStartAt.Format(time.RFC3339),
			ApplyEndAt:   c.ApplyEndAt.Format(time.RFC3339),
			TotalCount:   c.TotalCount,
		})
	}

	writeJSON(w, h.logger, resp)
}

// IssueCoupon выдаёт купон текущему пользователю.
// Бизнес-исходы (нет купона, дубликат, исчерпан, лимит) не эскалируются в лог ошибок;
// недоступность хранилищ и сбой отката — эскалируются.
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	couponID, ok := pathID(w, r, "couponID")
	if !ok {
		return
	}

	origin := resolveClientIP(r)

	err := h.service.IssueCoupon(r.Context(), userID, couponID, origin)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrCouponNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrEventNotActive),
		errors.Is(err, service.ErrDuplicateClaim),
		errors.Is(err, service.ErrCouponExhausted):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrTooManyRequests):
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	default:
		h.logger.Error("issue coupon error",
			zap.Error(err), zap.Int64("userID", userID), zap.Int64("couponID", couponID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// ActivateEvent открывает событие: инициализирует остатки и ставит флаги активности.
func (h *Handler) ActivateEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}

	err := h.service.ActivateEvent(r.Context(), eventID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrEventNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrEventNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("activate event error", zap.Error(err), zap.Int64("eventID", eventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// InitializeEventStocks принудительно заливает остатки купонов события в Redis.
func (h *Handler) InitializeEventStocks(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}

	err := h.service.InitializeEventStocks(r.Context(), eventID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrEventNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("initialize event stocks error", zap.Error(err), zap.Int64("eventID", eventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func eventResponseFrom(e model.Event) eventResponse {
	return eventResponse{
		ID:      e.ID,
		Name:    e.Name,
		Detail:  e.Detail,
		StartAt: e.StartAt.Format(time.RFC3339),
		EndAt:   e.EndAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// resolveClientIP возвращает адрес клиента: первый элемент X-Forwarded-For,
// иначе RemoteAddr без порта.
func resolveClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
