package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/dkovalev/couponrush-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выдачи купонов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Get("/", h.GetUserInfo)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.GetEvents)
			r.Get("/{eventID}", h.GetEvent)
			r.Get("/{eventID}/coupons", h.GetEventCoupons)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			if h.throttle != nil {
				r.Use(h.throttle.Middleware)
			}
			r.Post("/coupons/{couponID}/issue", h.IssueCoupon)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Post("/events/{eventID}/activate", h.ActivateEvent)
			r.Post("/events/{eventID}/initialize-coupons", h.InitializeEventStocks)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
