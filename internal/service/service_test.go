package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dkovalev/couponrush-system/internal/ledger"
	"github.com/dkovalev/couponrush-system/internal/model"
	"github.com/dkovalev/couponrush-system/internal/repository"
)

type stubRepo struct {
	user       *model.User
	userErr    error
	detail     *model.CouponDetail
	detailErr  error
	event      *model.Event
	eventErr   error
	coupons    []model.Coupon
	couponsErr error

	createClaimErr   error
	createClaimCalls int

	getCouponCalls int
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	if s.user == nil && s.userErr == nil {
		return nil, repository.ErrUserNotFound
	}
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	if s.user == nil && s.userErr == nil {
		return nil, repository.ErrUserNotFound
	}
	return s.user, s.userErr
}

func (s *stubRepo) GetEvents(ctx context.Context) ([]model.Event, error) { return nil, nil }

func (s *stubRepo) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	if s.event == nil && s.eventErr == nil {
		return nil, repository.ErrEventNotFound
	}
	return s.event, s.eventErr
}

func (s *stubRepo) GetCouponByID(ctx context.Context, id int64) (*model.CouponDetail, error) {
	s.getCouponCalls++
	if s.detail == nil && s.detailErr == nil {
		return nil, repository.ErrCouponNotFound
	}
	return s.detail, s.detailErr
}

func (s *stubRepo) GetCouponsByEvent(ctx context.Context, eventID int64) ([]model.Coupon, error) {
	return s.coupons, s.couponsErr
}

func (s *stubRepo) CreateUserCoupon(ctx context.Context, userID, couponID int64) (int64, error) {
	s.createClaimCalls++
	if s.createClaimErr != nil {
		return 0, s.createClaimErr
	}
	return 1, nil
}

func (s *stubRepo) GetUserCouponsByUser(ctx context.Context, userID int64) ([]model.UserCoupon, error) {
	return nil, nil
}

type stubLedger struct {
	claimResult ledger.ClaimResult
	claimErr    error
	claimCalls  int

	rollbackErr   error
	rollbackCalls int

	initIfAbsentCalls int
	initCalls         int

	eventActive    bool
	eventActiveErr error

	setEventActiveCalls  int
	setCouponActiveCalls int
}

func (s *stubLedger) TryClaim(ctx context.Context, couponID, userID int64) (ledger.ClaimResult, error) {
	s.claimCalls++
	return s.claimResult, s.claimErr
}

func (s *stubLedger) InitStockIfAbsent(ctx context.Context, couponID int64, total int) error {
	s.initIfAbsentCalls++
	return nil
}

func (s *stubLedger) InitStock(ctx context.Context, couponID int64, total int) error {
	s.initCalls++
	return nil
}

func (s *stubLedger) Rollback(ctx context.Context, couponID, userID int64) error {
	s.rollbackCalls++
	return s.rollbackErr
}

func (s *stubLedger) SetEventActive(ctx context.Context, eventID int64, ttl time.Duration) error {
	s.setEventActiveCalls++
	return nil
}

func (s *stubLedger) IsEventActive(ctx context.Context, eventID int64) (bool, error) {
	return s.eventActive, s.eventActiveErr
}

func (s *stubLedger) SetCouponActive(ctx context.Context, couponID int64, ttl time.Duration) error {
	s.setCouponActiveCalls++
	return nil
}

type stubLimiter struct {
	admitted bool
	err      error
	calls    int
}

func (s *stubLimiter) Admit(ctx context.Context, userID int64, origin string) (bool, error) {
	s.calls++
	return s.admitted, s.err
}

type stubCache struct {
	snap *model.CouponSnapshot
	err  error

	putCalls int
}

func (s *stubCache) Get(ctx context.Context, couponID int64) (*model.CouponSnapshot, error) {
	return s.snap, s.err
}

func (s *stubCache) Put(ctx context.Context, couponID int64, snap *model.CouponSnapshot) error {
	s.putCalls++
	return nil
}

func liveCouponDetail() *model.CouponDetail {
	now := time.Now()
	return &model.CouponDetail{
		Coupon: model.Coupon{
			ID:           7,
			EventID:      3,
			Name:         "welcome",
			ApplyStartAt: now.Add(-time.Hour),
			ApplyEndAt:   now.Add(time.Hour),
			TotalCount:   100,
		},
		Event: model.Event{
			ID:      3,
			Name:    "launch",
			StartAt: now.Add(-time.Hour),
			EndAt:   now.Add(time.Hour),
		},
	}
}

func newTestService(repo *stubRepo, ldg *stubLedger, lim *stubLimiter, c *stubCache) *Service {
	return NewService(repo, ldg, lim, c, nil, zap.NewNop(), false)
}

func TestIssueCoupon_Granted(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimGranted}
	lim := &stubLimiter{admitted: true}
	svc := newTestService(repo, ldg, lim, &stubCache{})

	if err := svc.IssueCoupon(context.Background(), 1, 7, "10.0.0.1"); err != nil {
		t.Fatalf("IssueCoupon error: %v", err)
	}
	if ldg.initIfAbsentCalls != 1 {
		t.Fatalf("InitStockIfAbsent calls = %d, want 1", ldg.initIfAbsentCalls)
	}
	if repo.createClaimCalls != 1 {
		t.Fatalf("CreateUserCoupon calls = %d, want 1", repo.createClaimCalls)
	}
	if ldg.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback")
	}
}

func TestIssueCoupon_CouponNotFound(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}}
	ldg := &stubLedger{eventActive: true}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, repository.ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
	if ldg.claimCalls != 0 {
		t.Fatalf("ledger must not be touched when coupon is missing")
	}
}

func TestIssueCoupon_UserNotFound(t *testing.T) {
	repo := &stubRepo{detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if ldg.claimCalls != 0 {
		t.Fatalf("ledger must not be touched when user is missing")
	}
}

func TestIssueCoupon_EventFlagAbsent(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: false}
	lim := &stubLimiter{admitted: true}
	svc := newTestService(repo, ldg, lim, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive, got %v", err)
	}
	if lim.calls != 0 {
		t.Fatalf("limiter must not be called when event flag is absent")
	}
	if ldg.claimCalls != 0 {
		t.Fatalf("ledger must not be mutated when event is inactive")
	}
}

func TestIssueCoupon_EventWindow(t *testing.T) {
	tests := []struct {
		name  string
		shift time.Duration
	}{
		{name: "not started", shift: time.Hour},
		{name: "ended", shift: -time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail := liveCouponDetail()
			detail.Event.StartAt = time.Now().Add(tt.shift)
			detail.Event.EndAt = detail.Event.StartAt.Add(time.Minute)

			repo := &stubRepo{user: &model.User{ID: 1}, detail: detail}
			ldg := &stubLedger{eventActive: true}
			svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

			err := svc.IssueCoupon(context.Background(), 1, 7, "")
			if !errors.Is(err, ErrEventNotActive) {
				t.Fatalf("expected ErrEventNotActive, got %v", err)
			}
			if ldg.claimCalls != 0 {
				t.Fatalf("ledger must not be mutated outside the event window")
			}
		})
	}
}

// Окно применения купона по умолчанию не ограничивает выдачу:
// гейт идёт только по окну события, окно купона — отображаемая информация.
func TestIssueCoupon_CouponWindowIgnoredByDefault(t *testing.T) {
	detail := liveCouponDetail()
	detail.Coupon.ApplyStartAt = time.Now().Add(24 * time.Hour)
	detail.Coupon.ApplyEndAt = detail.Coupon.ApplyStartAt.Add(time.Hour)

	repo := &stubRepo{user: &model.User{ID: 1}, detail: detail}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimGranted}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	if err := svc.IssueCoupon(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("issuance must ignore the coupon apply window by default, got %v", err)
	}
}

func TestIssueCoupon_CouponWindowGatedWhenEnabled(t *testing.T) {
	detail := liveCouponDetail()
	detail.Coupon.ApplyStartAt = time.Now().Add(24 * time.Hour)
	detail.Coupon.ApplyEndAt = detail.Coupon.ApplyStartAt.Add(time.Hour)

	repo := &stubRepo{user: &model.User{ID: 1}, detail: detail}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimGranted}
	svc := NewService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{}, nil, zap.NewNop(), true)

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive with coupon window gating enabled, got %v", err)
	}
}

func TestIssueCoupon_RateLimited(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: false}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "10.0.0.1")
	if !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
	if ldg.claimCalls != 0 {
		t.Fatalf("ledger must not be mutated when rate limited")
	}
}

func TestIssueCoupon_Duplicate(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimAlreadyClaimed}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim, got %v", err)
	}
	if repo.createClaimCalls != 0 {
		t.Fatalf("duplicate claim must not reach the database")
	}
}

func TestIssueCoupon_Exhausted(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimExhausted}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrCouponExhausted) {
		t.Fatalf("expected ErrCouponExhausted, got %v", err)
	}
	if repo.createClaimCalls != 0 {
		t.Fatalf("exhausted claim must not reach the database")
	}
}

func TestIssueCoupon_StoreUnavailable(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail()}
	ldg := &stubLedger{eventActive: true, claimErr: ledger.ErrStoreUnavailable}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

// Ошибка записи в БД после выдачи компенсируется синхронным откатом леджера,
// наружу уходит исходная ошибка записи.
func TestIssueCoupon_PersistFailureRollsBack(t *testing.T) {
	persistErr := errors.New("insert failed")
	repo := &stubRepo{user: &model.User{ID: 1}, detail: liveCouponDetail(), createClaimErr: persistErr}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimGranted}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, persistErr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if ldg.rollbackCalls != 1 {
		t.Fatalf("rollback calls = %d, want 1", ldg.rollbackCalls)
	}
}

// Сбой самого отката — отдельная, более тяжёлая ошибка: остатки разошлись.
func TestIssueCoupon_RollbackFailureEscalates(t *testing.T) {
	repo := &stubRepo{
		user:           &model.User{ID: 1},
		detail:         liveCouponDetail(),
		createClaimErr: errors.New("insert failed"),
	}
	ldg := &stubLedger{
		eventActive: true,
		claimResult: ledger.ClaimGranted,
		rollbackErr: errors.New("redis down"),
	}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed, got %v", err)
	}
}

// Срабатывание уникального индекса в БД — это дубликат, а не сбой записи:
// леджер уже содержит пользователя, откат не выполняется.
func TestIssueCoupon_UniqueViolationMeansDuplicate(t *testing.T) {
	repo := &stubRepo{
		user:           &model.User{ID: 1},
		detail:         liveCouponDetail(),
		createClaimErr: repository.ErrClaimExists,
	}
	ldg := &stubLedger{eventActive: true, claimResult: ledger.ClaimGranted}
	svc := newTestService(repo, ldg, &stubLimiter{admitted: true}, &stubCache{})

	err := svc.IssueCoupon(context.Background(), 1, 7, "")
	if !errors.Is(err, ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim, got %v", err)
	}
	if ldg.rollbackCalls != 0 {
		t.Fatalf("unique violation must not trigger rollback")
	}
}

func TestGetCouponFromCacheOrDB_HitSkipsDatabase(t *testing.T) {
	detail := liveCouponDetail()
	repo := &stubRepo{}
	c := &stubCache{snap: &model.CouponSnapshot{
		CouponID:     detail.Coupon.ID,
		EventID:      detail.Event.ID,
		CouponName:   detail.Coupon.Name,
		TotalCount:   detail.Coupon.TotalCount,
		EventStartAt: detail.Event.StartAt,
		EventEndAt:   detail.Event.EndAt,
	}}
	svc := newTestService(repo, &stubLedger{}, &stubLimiter{}, c)

	got, err := svc.GetCouponFromCacheOrDB(context.Background(), detail.Coupon.ID)
	if err != nil {
		t.Fatalf("GetCouponFromCacheOrDB error: %v", err)
	}
	if repo.getCouponCalls != 0 {
		t.Fatalf("cache hit must not trigger a database read")
	}
	if got.Coupon.ID != detail.Coupon.ID || got.Event.ID != detail.Event.ID {
		t.Fatalf("unexpected detail from cache: %+v", got)
	}
}

func TestGetCouponFromCacheOrDB_MissFillsCache(t *testing.T) {
	repo := &stubRepo{detail: liveCouponDetail()}
	c := &stubCache{}
	svc := newTestService(repo, &stubLedger{}, &stubLimiter{}, c)

	if _, err := svc.GetCouponFromCacheOrDB(context.Background(), 7); err != nil {
		t.Fatalf("GetCouponFromCacheOrDB error: %v", err)
	}
	if repo.getCouponCalls != 1 {
		t.Fatalf("database reads = %d, want 1", repo.getCouponCalls)
	}
	if c.putCalls != 1 {
		t.Fatalf("cache writes = %d, want 1", c.putCalls)
	}
}

func TestActivateEvent(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		event: &model.Event{ID: 3, StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour)},
		coupons: []model.Coupon{
			{ID: 7, EventID: 3, TotalCount: 100},
			{ID: 8, EventID: 3, TotalCount: 50},
		},
	}
	ldg := &stubLedger{}
	svc := newTestService(repo, ldg, &stubLimiter{}, &stubCache{})

	if err := svc.ActivateEvent(context.Background(), 3); err != nil {
		t.Fatalf("ActivateEvent error: %v", err)
	}
	if ldg.initIfAbsentCalls != 2 {
		t.Fatalf("InitStockIfAbsent calls = %d, want 2", ldg.initIfAbsentCalls)
	}
	if ldg.setCouponActiveCalls != 2 {
		t.Fatalf("SetCouponActive calls = %d, want 2", ldg.setCouponActiveCalls)
	}
	if ldg.setEventActiveCalls != 1 {
		t.Fatalf("SetEventActive calls = %d, want 1", ldg.setEventActiveCalls)
	}
	if ldg.initCalls != 0 {
		t.Fatalf("activation must not force-overwrite stock")
	}
}

func TestActivateEvent_EndedEvent(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		event: &model.Event{ID: 3, StartAt: now.Add(-2 * time.Hour), EndAt: now.Add(-time.Hour)},
	}
	svc := newTestService(repo, &stubLedger{}, &stubLimiter{}, &stubCache{})

	err := svc.ActivateEvent(context.Background(), 3)
	if !errors.Is(err, ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive for ended event, got %v", err)
	}
}

func TestInitializeEventStocks_ForcesOverwrite(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		event:   &model.Event{ID: 3, StartAt: now, EndAt: now.Add(time.Hour)},
		coupons: []model.Coupon{{ID: 7, EventID: 3, TotalCount: 100}},
	}
	ldg := &stubLedger{}
	svc := newTestService(repo, ldg, &stubLimiter{}, &stubCache{})

	if err := svc.InitializeEventStocks(context.Background(), 3); err != nil {
		t.Fatalf("InitializeEventStocks error: %v", err)
	}
	if ldg.initCalls != 1 {
		t.Fatalf("InitStock calls = %d, want 1", ldg.initCalls)
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := &stubRepo{
		user: &model.User{ID: 1, Login: "user", PasswordHash: hashPassword("user", "correct")},
	}
	svc := newTestService(repo, &stubLedger{}, &stubLimiter{}, &stubCache{})

	if _, err := svc.AuthenticateUser(context.Background(), "user", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	id, err := svc.AuthenticateUser(context.Background(), "user", "correct")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if id != 1 {
		t.Fatalf("user id = %d, want 1", id)
	}
}
