// Package service реализует бизнес-логику сервиса выдачи купонов.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dkovalev/couponrush-system/internal/ledger"
	"github.com/dkovalev/couponrush-system/internal/model"
	"github.com/dkovalev/couponrush-system/internal/repository"
)

// ErrEventNotActive возвращается, когда событие не активно или запрос вне его окна.
var (
	ErrEventNotActive = errors.New("event is not active")
	// ErrDuplicateClaim возвращается при повторной попытке получить уже выданный купон.
	ErrDuplicateClaim = errors.New("coupon already issued to user")
	// ErrCouponExhausted возвращается, когда тираж купона исчерпан.
	ErrCouponExhausted = errors.New("coupon stock exhausted")
	// ErrTooManyRequests возвращается при превышении лимита запросов.
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRollbackFailed возвращается, когда откат выдачи в леджере не удался после
	// ошибки записи в БД. Сигнализирует о расхождении остатков, требующем сверки.
	ErrRollbackFailed = errors.New("ledger rollback failed after persistence error")
)

// Repository описывает контракт доступа к системе записи, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetEvents(ctx context.Context) ([]model.Event, error)
	GetEventByID(ctx context.Context, id int64) (*model.Event, error)
	GetCouponByID(ctx context.Context, id int64) (*model.CouponDetail, error)
	GetCouponsByEvent(ctx context.Context, eventID int64) ([]model.Coupon, error)
	CreateUserCoupon(ctx context.Context, userID, couponID int64) (int64, error)
	GetUserCouponsByUser(ctx context.Context, userID int64) ([]model.UserCoupon, error)
}

// Ledger описывает атомарные операции учёта остатков.
type Ledger interface {
	TryClaim(ctx context.Context, couponID, userID int64) (ledger.ClaimResult, error)
	InitStockIfAbsent(ctx context.Context, couponID int64, total int) error
	InitStock(ctx context.Context, couponID int64, total int) error
	Rollback(ctx context.Context, couponID, userID int64) error
	SetEventActive(ctx context.Context, eventID int64, ttl time.Duration) error
	IsEventActive(ctx context.Context, eventID int64) (bool, error)
	SetCouponActive(ctx context.Context, couponID int64, ttl time.Duration) error
}

// RateLimiter описывает допуск запроса по счётчикам пользователя и источника.
type RateLimiter interface {
	Admit(ctx context.Context, userID int64, origin string) (bool, error)
}

// DetailCache описывает кэш снимков купона.
type DetailCache interface {
	Get(ctx context.Context, couponID int64) (*model.CouponSnapshot, error)
	Put(ctx context.Context, couponID int64, snap *model.CouponSnapshot) error
}

// Notifier описывает отправку уведомлений о событиях выдачи. Вызовы best-effort.
type Notifier interface {
	EventActivated(ctx context.Context, eventID int64)
}

// Service содержит бизнес-логику сервиса выдачи купонов.
type Service struct {
	repo     Repository
	ledger   Ledger
	limiter  RateLimiter
	cache    DetailCache
	notifier Notifier
	logger   *zap.Logger

	// gateOnCouponWindow включает дополнительную проверку окна применения купона
	// при выдаче. По умолчанию выдача ограничивается только окном события,
	// а окно купона остаётся отображаемой информацией.
	gateOnCouponWindow bool
}

// NewService создаёт сервис поверх репозитория, леджера, лимитера и кэша.
// notifier может быть nil, если уведомления не настроены.
func NewService(repo Repository, ldg Ledger, limiter RateLimiter, cache DetailCache,
	notifier Notifier, logger *zap.Logger, gateOnCouponWindow bool) *Service {
	return &Service{
		repo:               repo,
		ledger:             ldg,
		limiter:            limiter,
		cache:              cache,
		notifier:           notifier,
		logger:             logger,
		gateOnCouponWindow: gateOnCouponWindow,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IssueCoupon выдаёт купон пользователю. Одна попытка на запрос, без ретраев:
// купон и пользователь → активность и окно события → лимитер → атомарная выдача
// в леджере → запись в БД. При ошибке записи выдача синхронно откатывается.
func (s *Service) IssueCoupon(ctx context.Context, userID, couponID int64, origin string) error {
	detail, err := s.GetCouponFromCacheOrDB(ctx, couponID)
	if err != nil {
		return err
	}

	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return err
	}

	now := time.Now()
	eventID := detail.Event.ID

	active, err := s.ledger.IsEventActive(ctx, eventID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: event %d has no active flag", ErrEventNotActive, eventID)
	}
	if now.Before(detail.Event.StartAt) {
		return fmt.Errorf("%w: event %d starts at %s", ErrEventNotActive, eventID,
			detail.Event.StartAt.Format(time.RFC3339))
	}
	if now.After(detail.Event.EndAt) {
		return fmt.Errorf("%w: event %d ended at %s", ErrEventNotActive, eventID,
			detail.Event.EndAt.Format(time.RFC3339))
	}
	if s.gateOnCouponWindow {
		if now.Before(detail.Coupon.ApplyStartAt) || now.After(detail.Coupon.ApplyEndAt) {
			return fmt.Errorf("%w: coupon %d apply window is closed", ErrEventNotActive, couponID)
		}
	}

	admitted, err := s.limiter.Admit(ctx, userID, origin)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !admitted {
		return fmt.Errorf("%w: user %d", ErrTooManyRequests, userID)
	}

	// Ключ остатка мог истечь или никогда не создаваться: инициализация только
	// при отсутствии, уже расходуемый счётчик не перетирается.
	if err := s.ledger.InitStockIfAbsent(ctx, couponID, detail.Coupon.TotalCount); err != nil {
		return err
	}

	res, err := s.ledger.TryClaim(ctx, couponID, userID)
	if err != nil {
		return err
	}
	switch res {
	case ledger.ClaimAlreadyClaimed:
		return fmt.Errorf("%w: user %d, coupon %d", ErrDuplicateClaim, userID, couponID)
	case ledger.ClaimExhausted:
		return fmt.Errorf("%w: coupon %d", ErrCouponExhausted, couponID)
	}

	if _, err := s.repo.CreateUserCoupon(ctx, userID, couponID); err != nil {
		if errors.Is(err, repository.ErrClaimExists) {
			// Сработал страховочный уникальный индекс: запись уже есть,
			// леджер корректен, откат не нужен.
			return fmt.Errorf("%w: user %d, coupon %d", ErrDuplicateClaim, userID, couponID)
		}

		if rbErr := s.ledger.Rollback(ctx, couponID, userID); rbErr != nil {
			s.logger.Error("ledger rollback failed, stock accounting diverged",
				zap.Int64("couponID", couponID),
				zap.Int64("userID", userID),
				zap.NamedError("persistError", err),
				zap.Error(rbErr))
			return fmt.Errorf("%w: coupon %d, user %d: %v (persist: %v)",
				ErrRollbackFailed, couponID, userID, rbErr, err)
		}

		s.logger.Error("user coupon persistence failed after grant, ledger rolled back",
			zap.Int64("couponID", couponID),
			zap.Int64("userID", userID),
			zap.Error(err))
		return fmt.Errorf("persist user coupon: %w", err)
	}

	return nil
}

// GetCouponFromCacheOrDB возвращает купон из кэша деталей, при промахе читает БД
// и наполняет кэш. Попадание в кэш не порождает обращения к БД.
func (s *Service) GetCouponFromCacheOrDB(ctx context.Context, couponID int64) (*model.CouponDetail, error) {
	snap, err := s.cache.Get(ctx, couponID)
	if err != nil {
		return nil, fmt.Errorf("coupon cache: %w", err)
	}
	if snap != nil {
		return detailFromSnapshot(snap), nil
	}

	detail, err := s.repo.GetCouponByID(ctx, couponID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, couponID, snapshotFromDetail(detail)); err != nil {
		s.logger.Warn("coupon cache write failed", zap.Int64("couponID", couponID), zap.Error(err))
	}

	return detail, nil
}

func snapshotFromDetail(d *model.CouponDetail) *model.CouponSnapshot {
	return &model.CouponSnapshot{
		CouponID:     d.Coupon.ID,
		EventID:      d.Event.ID,
		CouponName:   d.Coupon.Name,
		CouponDetail: d.Coupon.Detail,
		ApplyStartAt: d.Coupon.ApplyStartAt,
		ApplyEndAt:   d.Coupon.ApplyEndAt,
		TotalCount:   d.Coupon.TotalCount,
		EventName:    d.Event.Name,
		EventStartAt: d.Event.StartAt,
		EventEndAt:   d.Event.EndAt,
	}
}

func detailFromSnapshot(snap *model.CouponSnapshot) *model.CouponDetail {
	return &model.CouponDetail{
		Coupon: model.Coupon{
			ID:           snap.CouponID,
			EventID:      snap.EventID,
			Name:         snap.CouponName,
			Detail:       snap.CouponDetail,
			ApplyStartAt: snap.ApplyStartAt,
			ApplyEndAt:   snap.ApplyEndAt,
			TotalCount:   snap.TotalCount,
		},
		Event: model.Event{
			ID:      snap.EventID,
			Name:    snap.EventName,
			StartAt: snap.EventStartAt,
			EndAt:   snap.EventEndAt,
		},
	}
}

// GetEvents возвращает все события.
func (s *Service) GetEvents(ctx context.Context) ([]model.Event, error) {
	return s.repo.GetEvents(ctx)
}

// GetEventByID возвращает событие по идентификатору.
func (s *Service) GetEventByID(ctx context.Context, eventID int64) (*model.Event, error) {
	return s.repo.GetEventByID(ctx, eventID)
}

// GetCouponsByEvent возвращает купоны события.
func (s *Service) GetCouponsByEvent(ctx context.Context, eventID int64) ([]model.Coupon, error) {
	return s.repo.GetCouponsByEvent(ctx, eventID)
}

// ActivateEvent открывает событие: для каждого купона инициализирует остаток
// (только при отсутствии ключа) и ставит флаг активности купона, затем ставит
// флаг активности события. TTL флагов привязан к моменту окончания события.
func (s *Service) ActivateEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	ttl := time.Until(event.EndAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: event %d ended at %s", ErrEventNotActive, eventID,
			event.EndAt.Format(time.RFC3339))
	}

	coupons, err := s.repo.GetCouponsByEvent(ctx, eventID)
	if err != nil {
		return err
	}

	for _, c := range coupons {
		if err := s.ledger.InitStockIfAbsent(ctx, c.ID, c.TotalCount); err != nil {
			return err
		}
		if err := s.ledger.SetCouponActive(ctx, c.ID, ttl); err != nil {
			return err
		}
	}

	if err := s.ledger.SetEventActive(ctx, eventID, ttl); err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.EventActivated(ctx, eventID)
	}

	return nil
}

// InitializeEventStocks принудительно перезаписывает остатки всех купонов события
// значениями из БД. Административная операция подготовки до старта события;
// после начала выдачи используйте ActivateEvent, который не трогает живые счётчики.
func (s *Service) InitializeEventStocks(ctx context.Context, eventID int64) error {
	if _, err := s.repo.GetEventByID(ctx, eventID); err != nil {
		return err
	}

	coupons, err := s.repo.GetCouponsByEvent(ctx, eventID)
	if err != nil {
		return err
	}

	for _, c := range coupons {
		if err := s.ledger.InitStock(ctx, c.ID, c.TotalCount); err != nil {
			return err
		}
	}

	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed)
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetUserInfo возвращает логин пользователя и список его купонов.
func (s *Service) GetUserInfo(ctx context.Context, userID int64) (*model.UserInfo, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	coupons, err := s.repo.GetUserCouponsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.UserInfo{Login: u.Login, Coupons: coupons}, nil
}
