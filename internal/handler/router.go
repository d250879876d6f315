package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/fleetops-system/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware of the fleet service.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/organizations", h.CreateOrganization)
			r.Post("/vehicles", h.CreateVehicle)
			r.Post("/suppliers", h.CreateSupplier)

			r.Route("/trip-tickets", func(r chi.Router) {
				r.Post("/", h.CreateTripTicket)
				r.Get("/", h.ListTripTickets)
				r.Get("/{id}", h.GetTripTicket)
				r.Post("/{id}/approve", h.ApproveTripTicket)
				r.Post("/{id}/reject", h.RejectTripTicket)
				r.Post("/{id}/start", h.StartTrip)
				r.Post("/{id}/complete", h.CompleteTrip)
				r.Post("/{id}/document", h.RenderTripTicket)
			})

			r.Route("/fuel-requisitions", func(r chi.Router) {
				r.Post("/", h.CreateFuelRequisition)
				r.Get("/", h.ListFuelRequisitions)
				r.Get("/{id}", h.GetFuelRequisition)
				r.Put("/{id}", h.EditFuelRequisition)
				r.Post("/{id}/validate", h.ValidateFuel)
				r.Post("/{id}/return", h.ReturnFuel)
				r.Post("/{id}/reject", h.RejectFuel)
				r.Post("/{id}/resubmit", h.ResubmitFuel)
				r.Post("/{id}/ris", h.IssueRIS)
				r.Post("/{id}/ris/release", h.ReleaseRIS)
				r.Post("/{id}/ris/void", h.VoidRIS)
				r.Post("/{id}/receipt", h.SubmitReceipt)
				r.Post("/{id}/receipt/return", h.ReturnReceipt)
				r.Post("/{id}/receipt/verify", h.VerifyReceipt)
				r.Post("/{id}/document", h.RenderFuelRequisition)
			})

			r.Route("/contracts", func(r chi.Router) {
				r.Post("/", h.CreateContract)
				r.Get("/", h.ListContracts)
				r.Get("/{id}", h.GetContract)
				r.Get("/{id}/transactions", h.ListContractTransactions)
			})

			r.Post("/serials/reserve", h.ReserveSerial)
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
