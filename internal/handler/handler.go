// Package handler contains the HTTP handlers of the fleet service API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fleetops-system/internal/middleware"
	"github.com/mmeshcher/fleetops-system/internal/model"
	"github.com/mmeshcher/fleetops-system/internal/permission"
	"github.com/mmeshcher/fleetops-system/internal/render"
	"github.com/mmeshcher/fleetops-system/internal/repository"
	"github.com/mmeshcher/fleetops-system/internal/service"
	"github.com/mmeshcher/fleetops-system/internal/transition"
	"github.com/mmeshcher/fleetops-system/internal/validation"
)

// Service defines the business logic contract used by the HTTP handlers.
type Service interface {
	RegisterUser(ctx context.Context, email, displayName, password string, role model.Role, orgID uuid.UUID) (uuid.UUID, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)

	CreateOrganization(ctx context.Context, actor *model.User, name string) (uuid.UUID, error)
	CreateVehicle(ctx context.Context, actor *model.User, plateNumber, vehicleModel string) (uuid.UUID, error)
	CreateSupplier(ctx context.Context, actor *model.User, name string) (uuid.UUID, error)

	CreateTripTicket(ctx context.Context, actor *model.User, in service.TripTicketInput) (*model.TripTicket, error)
	GetTripTicket(ctx context.Context, actor *model.User, id uuid.UUID) (*model.TripTicket, error)
	ListTripTickets(ctx context.Context, actor *model.User) ([]model.TripTicket, error)
	ApproveTripTicket(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, manualSerial string) (*model.TripTicket, error)
	RejectTripTicket(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.TripTicket, error)
	StartTrip(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.TripTicket, error)
	CompleteTrip(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.TripTicket, error)

	CreateFuelRequisition(ctx context.Context, actor *model.User, in service.FuelRequisitionInput) (*model.FuelRequisition, error)
	GetFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID) (*model.FuelRequisition, error)
	ListFuelRequisitions(ctx context.Context, actor *model.User) ([]model.FuelRequisition, error)
	EditFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, in service.FuelRequisitionInput) (*model.FuelRequisition, error)
	ValidateFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, contractID uuid.UUID, validatedLiters100 int64) (*model.FuelRequisition, error)
	ReturnFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error)
	RejectFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error)
	ResubmitFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.FuelRequisition, error)
	IssueRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, manualNumber string) (*model.FuelRequisition, error)
	ReleaseRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.FuelRequisition, error)
	VoidRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error)
	SubmitReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, actualLiters100 int64, invoiceNumber string) (*model.FuelRequisition, error)
	ReturnReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error)
	VerifyReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64) (*model.ContractTransaction, error)

	CreateContract(ctx context.Context, actor *model.User, supplierID uuid.UUID, contractNumber string, totalCentavos int64) (*model.Contract, error)
	GetContract(ctx context.Context, actor *model.User, id uuid.UUID) (*model.Contract, error)
	ListContracts(ctx context.Context, actor *model.User) ([]model.Contract, error)
	ListContractTransactions(ctx context.Context, actor *model.User, contractID uuid.UUID) ([]model.ContractTransaction, error)

	ReserveSerial(ctx context.Context, actor *model.User, prefix string, ticketID *uuid.UUID) (*model.SerialReservation, error)
	RenderTripTicket(ctx context.Context, actor *model.User, id uuid.UUID) (*render.Artifact, error)
	RenderFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID) (*render.Artifact, error)
}

// Handler implements the HTTP handlers of the fleet service API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler instance.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// respondError translates domain errors into HTTP status codes. Version
// marker misses, illegal status edges and control number collisions all
// surface as 409 so clients know to reload and retry.
func (h *Handler) respondError(w http.ResponseWriter, err error, op string) {
	var illegal *transition.IllegalTransitionError

	switch {
	case errors.Is(err, permission.ErrUnauthorized):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.As(err, &illegal):
		http.Error(w, illegal.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrStaleWrite):
		http.Error(w, "record was modified by someone else, reload and retry", http.StatusConflict)
	case errors.Is(err, repository.ErrControlNumberConflict):
		http.Error(w, "control number already in use", http.StatusConflict)
	case errors.Is(err, repository.ErrDuplicateDeduction):
		http.Error(w, "requisition already deducted", http.StatusConflict)
	case errors.Is(err, repository.ErrUserExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNotRenderable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// actor pulls the authenticated user from the request context.
func actor(r *http.Request) (*model.User, bool) {
	return middleware.ActorFromContext(r.Context())
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// parseMarker parses the version marker the client loaded before editing.
func parseMarker(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

// ── Identity ─────────────────────────────────────────────────────────────

type registerRequest struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// Register handles new user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	switch role {
	case model.RoleDriver, model.RoleEMD, model.RoleSPMS, model.RoleAdmin:
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.DisplayName, req.Password, role, orgID)
	if err != nil {
		h.respondError(w, err, "register user")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": userID.String()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates a user and returns a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.IssueToken(u)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ── Fleet reference data ─────────────────────────────────────────────────

type namedRequest struct {
	Name string `json:"name"`
}

// CreateOrganization registers an organization.
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req namedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateOrganization(r.Context(), u, req.Name)
	if err != nil {
		h.respondError(w, err, "create organization")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

type vehicleRequest struct {
	PlateNumber string `json:"plate_number"`
	Model       string `json:"model"`
}

// CreateVehicle registers a vehicle in the actor's organization.
func (h *Handler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req vehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlateNumber == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateVehicle(r.Context(), u, req.PlateNumber, req.Model)
	if err != nil {
		h.respondError(w, err, "create vehicle")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// CreateSupplier registers a fuel supplier.
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req namedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateSupplier(r.Context(), u, req.Name)
	if err != nil {
		h.respondError(w, err, "create supplier")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// ── Trip tickets ─────────────────────────────────────────────────────────

type tripTicketRequest struct {
	DriverID    string `json:"driver_id,omitempty"`
	VehicleID   string `json:"vehicle_id"`
	Destination string `json:"destination"`
	Purposes    string `json:"purposes"`
	PeriodFrom  string `json:"period_from"`
	PeriodTo    string `json:"period_to"`
}

type tripTicketResponse struct {
	ID              string  `json:"id"`
	DriverID        string  `json:"driver_id"`
	VehicleID       string  `json:"vehicle_id"`
	Destination     string  `json:"destination"`
	Purposes        string  `json:"purposes"`
	PeriodFrom      string  `json:"period_from"`
	PeriodTo        string  `json:"period_to"`
	Status          string  `json:"status"`
	SerialNumber    *string `json:"serial_number,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toTripTicketResponse(t *model.TripTicket) tripTicketResponse {
	return tripTicketResponse{
		ID:              t.ID.String(),
		DriverID:        t.DriverID.String(),
		VehicleID:       t.VehicleID.String(),
		Destination:     t.Destination,
		Purposes:        t.Purposes,
		PeriodFrom:      t.PeriodFrom.Format(time.RFC3339),
		PeriodTo:        t.PeriodTo.Format(time.RFC3339),
		Status:          string(t.Status),
		SerialNumber:    t.SerialNumber,
		RejectionReason: t.RejectionReason,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// CreateTripTicket accepts a new trip ticket.
func (h *Handler) CreateTripTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req tripTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	vehicleID, err := uuid.Parse(req.VehicleID)
	if err != nil {
		http.Error(w, "invalid vehicle_id", http.StatusBadRequest)
		return
	}

	var driverID uuid.UUID
	if req.DriverID != "" {
		driverID, err = uuid.Parse(req.DriverID)
		if err != nil {
			http.Error(w, "invalid driver_id", http.StatusBadRequest)
			return
		}
	}

	from, err := time.Parse(time.RFC3339, req.PeriodFrom)
	if err != nil {
		http.Error(w, "invalid period_from", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, req.PeriodTo)
	if err != nil || !to.After(from) {
		http.Error(w, "invalid period_to", http.StatusBadRequest)
		return
	}

	t, err := h.service.CreateTripTicket(r.Context(), u, service.TripTicketInput{
		DriverID:    driverID,
		VehicleID:   vehicleID,
		Destination: req.Destination,
		Purposes:    req.Purposes,
		PeriodFrom:  from,
		PeriodTo:    to,
	})
	if err != nil {
		h.respondError(w, err, "create trip ticket")
		return
	}

	h.writeJSON(w, http.StatusCreated, toTripTicketResponse(t))
}

// GetTripTicket returns one trip ticket.
func (h *Handler) GetTripTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.GetTripTicket(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "get trip ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, toTripTicketResponse(t))
}

// ListTripTickets returns the trip tickets visible to the actor.
func (h *Handler) ListTripTickets(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	tickets, err := h.service.ListTripTickets(r.Context(), u)
	if err != nil {
		h.respondError(w, err, "list trip tickets")
		return
	}

	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]tripTicketResponse, 0, len(tickets))
	for i := range tickets {
		resp = append(resp, toTripTicketResponse(&tickets[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type approveRequest struct {
	UpdatedAt    string `json:"updated_at"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// ApproveTripTicket approves a ticket, stamping its serial number.
func (h *Handler) ApproveTripTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	serialNumber := ""
	if req.SerialNumber != "" {
		var ok bool
		serialNumber, ok = validation.NormalizeControlNumber(req.SerialNumber)
		if !ok {
			http.Error(w, "malformed serial number", http.StatusUnprocessableEntity)
			return
		}
	}

	t, err := h.service.ApproveTripTicket(r.Context(), u, id, marker, serialNumber)
	if err != nil {
		h.respondError(w, err, "approve trip ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, toTripTicketResponse(t))
}

type reasonRequest struct {
	UpdatedAt string `json:"updated_at"`
	Reason    string `json:"reason"`
}

// RejectTripTicket rejects a ticket with a reason.
func (h *Handler) RejectTripTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	t, err := h.service.RejectTripTicket(r.Context(), u, id, marker, req.Reason)
	if err != nil {
		h.respondError(w, err, "reject trip ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, toTripTicketResponse(t))
}

type markerRequest struct {
	UpdatedAt string `json:"updated_at"`
}

func (h *Handler) tripStatusChange(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, actor *model.User, id uuid.UUID, marker time.Time) (*model.TripTicket, error),
) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req markerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	t, err := fn(r.Context(), u, id, marker)
	if err != nil {
		h.respondError(w, err, op)
		return
	}

	h.writeJSON(w, http.StatusOK, toTripTicketResponse(t))
}

// StartTrip moves a ticket into in_progress.
func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	h.tripStatusChange(w, r, "start trip", h.service.StartTrip)
}

// CompleteTrip moves a ticket into completed.
func (h *Handler) CompleteTrip(w http.ResponseWriter, r *http.Request) {
	h.tripStatusChange(w, r, "complete trip", h.service.CompleteTrip)
}

// RenderTripTicket returns a printable document for an approved ticket.
func (h *Handler) RenderTripTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	artifact, err := h.service.RenderTripTicket(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "render trip ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, artifact)
}

// ── Fuel requisitions ────────────────────────────────────────────────────

type fuelRequisitionRequest struct {
	UpdatedAt       string  `json:"updated_at,omitempty"`
	VehicleID       string  `json:"vehicle_id"`
	RequestedLiters float64 `json:"requested_liters"`
	RefNumber       *string `json:"ref_number,omitempty"`
}

type fuelRequisitionResponse struct {
	ID              string   `json:"id"`
	CreatedBy       string   `json:"created_by"`
	VehicleID       string   `json:"vehicle_id"`
	ContractID      *string  `json:"contract_id,omitempty"`
	Status          string   `json:"status"`
	RequestedLiters float64  `json:"requested_liters"`
	ValidatedLiters *float64 `json:"validated_liters,omitempty"`
	ActualLiters    *float64 `json:"actual_liters,omitempty"`
	Price           *float64 `json:"price,omitempty"`
	RISNumber       *string  `json:"ris_number,omitempty"`
	RefNumber       *string  `json:"ref_number,omitempty"`
	InvoiceNumber   *string  `json:"invoice_number,omitempty"`
	ReturnReason    *string  `json:"return_reason,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

func toFuelResponse(f *model.FuelRequisition) fuelRequisitionResponse {
	resp := fuelRequisitionResponse{
		ID:              f.ID.String(),
		CreatedBy:       f.CreatedBy.String(),
		VehicleID:       f.VehicleID.String(),
		Status:          string(f.Status),
		RequestedLiters: float64(f.RequestedLiters100) / 100,
		RISNumber:       f.RISNumber,
		RefNumber:       f.RefNumber,
		InvoiceNumber:   f.InvoiceNumber,
		ReturnReason:    f.ReturnReason,
		CreatedAt:       f.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       f.UpdatedAt.Format(time.RFC3339Nano),
	}
	if f.ContractID != nil {
		s := f.ContractID.String()
		resp.ContractID = &s
	}
	if f.ValidatedLiters100 != nil {
		v := float64(*f.ValidatedLiters100) / 100
		resp.ValidatedLiters = &v
	}
	if f.ActualLiters100 != nil {
		v := float64(*f.ActualLiters100) / 100
		resp.ActualLiters = &v
	}
	if f.PriceCentavos != nil {
		v := float64(*f.PriceCentavos) / 100
		resp.Price = &v
	}
	return resp
}

func parseFuelInput(req fuelRequisitionRequest) (service.FuelRequisitionInput, error) {
	vehicleID, err := uuid.Parse(req.VehicleID)
	if err != nil {
		return service.FuelRequisitionInput{}, errors.New("invalid vehicle_id")
	}
	liters100, err := validation.Hundredths(req.RequestedLiters)
	if err != nil || liters100 == 0 {
		return service.FuelRequisitionInput{}, errors.New("invalid requested_liters")
	}
	return service.FuelRequisitionInput{
		VehicleID:          vehicleID,
		RequestedLiters100: liters100,
		RefNumber:          req.RefNumber,
	}, nil
}

// CreateFuelRequisition accepts a new fuel requisition.
func (h *Handler) CreateFuelRequisition(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req fuelRequisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in, err := parseFuelInput(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	f, err := h.service.CreateFuelRequisition(r.Context(), u, in)
	if err != nil {
		h.respondError(w, err, "create fuel requisition")
		return
	}

	h.writeJSON(w, http.StatusCreated, toFuelResponse(f))
}

// GetFuelRequisition returns one requisition.
func (h *Handler) GetFuelRequisition(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	f, err := h.service.GetFuelRequisition(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "get fuel requisition")
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

// ListFuelRequisitions returns the requisitions visible to the actor.
func (h *Handler) ListFuelRequisitions(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	reqs, err := h.service.ListFuelRequisitions(r.Context(), u)
	if err != nil {
		h.respondError(w, err, "list fuel requisitions")
		return
	}

	if len(reqs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]fuelRequisitionResponse, 0, len(reqs))
	for i := range reqs {
		resp = append(resp, toFuelResponse(&reqs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// EditFuelRequisition updates a requisition still owned by its creator.
func (h *Handler) EditFuelRequisition(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req fuelRequisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	in, err := parseFuelInput(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	f, err := h.service.EditFuelRequisition(r.Context(), u, id, marker, in)
	if err != nil {
		h.respondError(w, err, "edit fuel requisition")
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

type validateFuelRequest struct {
	UpdatedAt       string  `json:"updated_at"`
	ContractID      string  `json:"contract_id"`
	ValidatedLiters float64 `json:"validated_liters"`
}

// ValidateFuel records EMD validation against a contract.
func (h *Handler) ValidateFuel(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req validateFuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		http.Error(w, "invalid contract_id", http.StatusBadRequest)
		return
	}

	liters100, err := validation.Hundredths(req.ValidatedLiters)
	if err != nil || liters100 == 0 {
		http.Error(w, "invalid validated_liters", http.StatusUnprocessableEntity)
		return
	}

	f, err := h.service.ValidateFuel(r.Context(), u, id, marker, contractID, liters100)
	if err != nil {
		h.respondError(w, err, "validate fuel requisition")
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

func (h *Handler) fuelStatusChange(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, actor *model.User, id uuid.UUID, marker time.Time) (*model.FuelRequisition, error),
) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req markerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	f, err := fn(r.Context(), u, id, marker)
	if err != nil {
		h.respondError(w, err, op)
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

func (h *Handler) fuelReasonChange(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, actor *model.User, id uuid.UUID, marker time.Time, reason string) (*model.FuelRequisition, error),
) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	f, err := fn(r.Context(), u, id, marker, req.Reason)
	if err != nil {
		h.respondError(w, err, op)
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

// ReturnFuel sends a requisition back to its creator.
func (h *Handler) ReturnFuel(w http.ResponseWriter, r *http.Request) {
	h.fuelReasonChange(w, r, "return fuel requisition", h.service.ReturnFuel)
}

// RejectFuel terminally rejects a requisition.
func (h *Handler) RejectFuel(w http.ResponseWriter, r *http.Request) {
	h.fuelReasonChange(w, r, "reject fuel requisition", h.service.RejectFuel)
}

// ResubmitFuel returns a corrected requisition to the validation queue.
func (h *Handler) ResubmitFuel(w http.ResponseWriter, r *http.Request) {
	h.fuelStatusChange(w, r, "resubmit fuel requisition", h.service.ResubmitFuel)
}

type issueRISRequest struct {
	UpdatedAt string `json:"updated_at"`
	RISNumber string `json:"ris_number,omitempty"`
}

// IssueRIS stamps a requisition with its RIS number.
func (h *Handler) IssueRIS(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req issueRISRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	risNumber := ""
	if req.RISNumber != "" {
		var ok bool
		risNumber, ok = validation.NormalizeControlNumber(req.RISNumber)
		if !ok {
			http.Error(w, "malformed RIS number", http.StatusUnprocessableEntity)
			return
		}
	}

	f, err := h.service.IssueRIS(r.Context(), u, id, marker, risNumber)
	if err != nil {
		h.respondError(w, err, "issue RIS")
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

// ReleaseRIS hands the issued slip over for purchase.
func (h *Handler) ReleaseRIS(w http.ResponseWriter, r *http.Request) {
	h.fuelStatusChange(w, r, "release RIS", h.service.ReleaseRIS)
}

// VoidRIS cancels an issued slip.
func (h *Handler) VoidRIS(w http.ResponseWriter, r *http.Request) {
	h.fuelReasonChange(w, r, "void RIS", h.service.VoidRIS)
}

type receiptRequest struct {
	UpdatedAt     string  `json:"updated_at"`
	ActualLiters  float64 `json:"actual_liters"`
	InvoiceNumber string  `json:"invoice_number"`
}

// SubmitReceipt records the purchase receipt.
func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvoiceNumber == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	liters100, err := validation.Hundredths(req.ActualLiters)
	if err != nil || liters100 == 0 {
		http.Error(w, "invalid actual_liters", http.StatusUnprocessableEntity)
		return
	}

	f, err := h.service.SubmitReceipt(r.Context(), u, id, marker, liters100, req.InvoiceNumber)
	if err != nil {
		h.respondError(w, err, "submit receipt")
		return
	}

	h.writeJSON(w, http.StatusOK, toFuelResponse(f))
}

// ReturnReceipt sends a submitted receipt back to the creator.
func (h *Handler) ReturnReceipt(w http.ResponseWriter, r *http.Request) {
	h.fuelReasonChange(w, r, "return receipt", h.service.ReturnReceipt)
}

type verifyReceiptRequest struct {
	UpdatedAt string  `json:"updated_at"`
	Price     float64 `json:"price"`
}

type contractTransactionResponse struct {
	ID            string  `json:"id"`
	ContractID    string  `json:"contract_id"`
	RequisitionID string  `json:"requisition_id"`
	Amount        float64 `json:"amount"`
	Liters        float64 `json:"liters"`
	Price         float64 `json:"price"`
	BalanceBefore float64 `json:"balance_before"`
	BalanceAfter  float64 `json:"balance_after"`
	Shortfall     float64 `json:"shortfall,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func toTransactionResponse(t *model.ContractTransaction) contractTransactionResponse {
	return contractTransactionResponse{
		ID:            t.ID.String(),
		ContractID:    t.ContractID.String(),
		RequisitionID: t.RequisitionID.String(),
		Amount:        float64(t.AmountCentavos) / 100,
		Liters:        float64(t.Liters100) / 100,
		Price:         float64(t.PriceCentavos) / 100,
		BalanceBefore: float64(t.BalanceBefore) / 100,
		BalanceAfter:  float64(t.BalanceAfter) / 100,
		Shortfall:     float64(t.ShortfallCentavos) / 100,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
}

// VerifyReceipt completes the requisition and deducts from its contract.
func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req verifyReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	marker, err := parseMarker(req.UpdatedAt)
	if err != nil {
		http.Error(w, "invalid updated_at", http.StatusBadRequest)
		return
	}

	priceCentavos, err := validation.Hundredths(req.Price)
	if err != nil || priceCentavos == 0 {
		http.Error(w, "invalid price", http.StatusUnprocessableEntity)
		return
	}

	txn, err := h.service.VerifyReceipt(r.Context(), u, id, marker, priceCentavos)
	if err != nil {
		h.respondError(w, err, "verify receipt")
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// RenderFuelRequisition returns a printable RIS document.
func (h *Handler) RenderFuelRequisition(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	artifact, err := h.service.RenderFuelRequisition(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "render fuel requisition")
		return
	}

	h.writeJSON(w, http.StatusOK, artifact)
}

// ── Contracts ────────────────────────────────────────────────────────────

type contractRequest struct {
	SupplierID     string  `json:"supplier_id"`
	ContractNumber string  `json:"contract_number"`
	Total          float64 `json:"total"`
}

type contractResponse struct {
	ID             string  `json:"id"`
	SupplierID     string  `json:"supplier_id"`
	ContractNumber string  `json:"contract_number"`
	Total          float64 `json:"total"`
	Remaining      float64 `json:"remaining"`
	Status         string  `json:"status"`
	ExhaustedAt    *string `json:"exhausted_at,omitempty"`
	UpdatedAt      string  `json:"updated_at"`
}

func toContractResponse(c *model.Contract) contractResponse {
	resp := contractResponse{
		ID:             c.ID.String(),
		SupplierID:     c.SupplierID.String(),
		ContractNumber: c.ContractNumber,
		Total:          float64(c.TotalCentavos) / 100,
		Remaining:      float64(c.RemainingCentavos) / 100,
		Status:         string(c.Status),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339Nano),
	}
	if c.ExhaustedAt != nil {
		s := c.ExhaustedAt.Format(time.RFC3339)
		resp.ExhaustedAt = &s
	}
	return resp
}

// CreateContract registers a supplier contract.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req contractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContractNumber == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	supplierID, err := uuid.Parse(req.SupplierID)
	if err != nil {
		http.Error(w, "invalid supplier_id", http.StatusBadRequest)
		return
	}

	totalCentavos, err := validation.Hundredths(req.Total)
	if err != nil || totalCentavos == 0 {
		http.Error(w, "invalid total", http.StatusUnprocessableEntity)
		return
	}

	c, err := h.service.CreateContract(r.Context(), u, supplierID, req.ContractNumber, totalCentavos)
	if err != nil {
		h.respondError(w, err, "create contract")
		return
	}

	h.writeJSON(w, http.StatusCreated, toContractResponse(c))
}

// GetContract returns one contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.GetContract(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "get contract")
		return
	}

	h.writeJSON(w, http.StatusOK, toContractResponse(c))
}

// ListContracts returns the contracts of the actor's organization.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	contracts, err := h.service.ListContracts(r.Context(), u)
	if err != nil {
		h.respondError(w, err, "list contracts")
		return
	}

	if len(contracts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]contractResponse, 0, len(contracts))
	for i := range contracts {
		resp = append(resp, toContractResponse(&contracts[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListContractTransactions returns the audit chain of a contract.
func (h *Handler) ListContractTransactions(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txns, err := h.service.ListContractTransactions(r.Context(), u, id)
	if err != nil {
		h.respondError(w, err, "list contract transactions")
		return
	}

	if len(txns) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]contractTransactionResponse, 0, len(txns))
	for i := range txns {
		resp = append(resp, toTransactionResponse(&txns[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ── Control numbers ──────────────────────────────────────────────────────

type reserveSerialRequest struct {
	Prefix   string  `json:"prefix"`
	TicketID *string `json:"ticket_id,omitempty"`
}

type reservationResponse struct {
	ID            string  `json:"id"`
	ControlNumber string  `json:"control_number"`
	Status        string  `json:"status"`
	TicketID      *string `json:"ticket_id,omitempty"`
}

// ReserveSerial reserves the next control number for a prefix.
func (h *Handler) ReserveSerial(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req reserveSerialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var ticketID *uuid.UUID
	if req.TicketID != nil {
		id, err := uuid.Parse(*req.TicketID)
		if err != nil {
			http.Error(w, "invalid ticket_id", http.StatusBadRequest)
			return
		}
		ticketID = &id
	}

	res, err := h.service.ReserveSerial(r.Context(), u, req.Prefix, ticketID)
	if err != nil {
		h.respondError(w, err, "reserve serial")
		return
	}

	resp := reservationResponse{
		ID:            res.ID.String(),
		ControlNumber: res.ControlNumber,
		Status:        string(res.Status),
	}
	if res.TicketID != nil {
		s := res.TicketID.String()
		resp.TicketID = &s
	}
	h.writeJSON(w, http.StatusCreated, resp)
}
