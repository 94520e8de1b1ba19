package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/laundry-payments/internal/middleware"
	"github.com/mmeshcher/laundry-payments/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.RequestLogger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// данные подписаны шлюзом, cookie пользователя здесь не требуется
		r.Get("/payments/esewa/success", h.WalletSuccess)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/payments/esewa/failure", h.WalletFailure)

			r.Post("/payments", h.InitiatePayment)
			r.Get("/payments", h.ListPayments)
			r.Post("/payments/verify", h.VerifyPayment)
			r.Get("/payments/{transactionUUID}", h.PaymentStatus)
			r.Post("/payments/{transactionUUID}/cancel", h.CancelPayment)

			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.GetOrders)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleStaff))

				r.Post("/payments/{transactionUUID}/confirm", h.ConfirmBankTransfer)
				r.Post("/admin/income/backfill", h.BackfillIncome)
				r.Get("/admin/income/audit", h.AuditIncome)
			})
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
