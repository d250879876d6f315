// Package service implements the business workflows of the fleet service.
// Every mutating operation follows the same control flow: authorize the
// actor, verify the caller's loaded version marker, validate the status
// edge, then apply the change through the repository's transactional
// primitives.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/fleetops-system/internal/model"
	"github.com/mmeshcher/fleetops-system/internal/notify"
	"github.com/mmeshcher/fleetops-system/internal/permission"
	"github.com/mmeshcher/fleetops-system/internal/render"
	"github.com/mmeshcher/fleetops-system/internal/repository"
	"github.com/mmeshcher/fleetops-system/internal/serial"
	"github.com/mmeshcher/fleetops-system/internal/transition"
)

// ErrNotRenderable is returned when a document is requested for an entity
// that has not reached a locked, printable state.
var ErrNotRenderable = errors.New("entity not in a renderable state")

// Repository describes the data access contract used by the service.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, u *model.User) (uuid.UUID, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	CreateOrganization(ctx context.Context, name string) (uuid.UUID, error)
	CreateVehicle(ctx context.Context, v *model.Vehicle) (uuid.UUID, error)
	CreateSupplier(ctx context.Context, name string) (uuid.UUID, error)

	CreateTripTicket(ctx context.Context, t *model.TripTicket) (*model.TripTicket, error)
	GetTripTicket(ctx context.Context, id uuid.UUID) (*model.TripTicket, error)
	ListTripTickets(ctx context.Context, orgID uuid.UUID, driverID *uuid.UUID) ([]model.TripTicket, error)
	ApproveTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, serialNumber string, approverID uuid.UUID) error
	RejectTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, rejecterID uuid.UUID, reason string) error
	SetTripTicketStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.TripTicketStatus) error

	CreateFuelRequisition(ctx context.Context, f *model.FuelRequisition) (*model.FuelRequisition, error)
	GetFuelRequisition(ctx context.Context, id uuid.UUID) (*model.FuelRequisition, error)
	ListFuelRequisitions(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID) ([]model.FuelRequisition, error)
	EditFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, vehicleID uuid.UUID, requestedLiters100 int64, refNumber *string) error
	ValidateFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, contractID, supplierID uuid.UUID, validatedLiters100 int64, validatorID uuid.UUID) error
	SetFuelStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.FuelStatus, reason *string) error
	IssueRIS(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, risNumber string, issuerID uuid.UUID) error
	SubmitReceipt(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, actualLiters100 int64, invoiceNumber string) error
	VerifyAndDeduct(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64, verifierID uuid.UUID) (*model.ContractTransaction, error)

	CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, error)
	GetContract(ctx context.Context, id uuid.UUID) (*model.Contract, error)
	ListContracts(ctx context.Context, orgID uuid.UUID) ([]model.Contract, error)
	ListContractTransactions(ctx context.Context, contractID uuid.UUID) ([]model.ContractTransaction, error)

	ReserveControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int, ticketID *uuid.UUID) (*model.SerialReservation, error)
	NextControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int) (string, error)

	CreateNotification(ctx context.Context, n *model.Notification) error
	CreateAuditEntry(ctx context.Context, e *model.AuditEntry) error
}

// Service contains the business logic of the fleet service.
type Service struct {
	repo         Repository
	renderClient *render.Client
	dispatcher   *notify.Dispatcher
	now          func() time.Time
}

// NewService creates a service. renderClient and dispatcher may be nil; the
// corresponding collaborations are then skipped.
func NewService(repo Repository, renderClient *render.Client, dispatcher *notify.Dispatcher) *Service {
	return &Service{
		repo:         repo,
		renderClient: renderClient,
		dispatcher:   dispatcher,
		now:          time.Now,
	}
}

// Close releases service resources.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ── Identity ─────────────────────────────────────────────────────────────

// RegisterUser creates a user account inside an organization.
func (s *Service) RegisterUser(ctx context.Context, email, displayName, password string, role model.Role, orgID uuid.UUID) (uuid.UUID, error) {
	u := &model.User{
		Email:          email,
		DisplayName:    displayName,
		PasswordHash:   hashPassword(email, password),
		Role:           role,
		OrganizationID: orgID,
	}
	return s.repo.CreateUser(ctx, u)
}

// AuthenticateUser verifies credentials and returns the user.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(hashPassword(email, password), u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}
	if !u.IsActive {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// ── Fleet reference data ─────────────────────────────────────────────────

// CreateOrganization creates an organization. Restricted to admins.
func (s *Service) CreateOrganization(ctx context.Context, actor *model.User, name string) (uuid.UUID, error) {
	if !permission.Authorize(actor, permission.ActionManageFleet, nil) {
		return uuid.Nil, permission.ErrUnauthorized
	}
	return s.repo.CreateOrganization(ctx, name)
}

// CreateVehicle registers a vehicle in the actor's organization.
func (s *Service) CreateVehicle(ctx context.Context, actor *model.User, plateNumber, vehicleModel string) (uuid.UUID, error) {
	if !permission.Authorize(actor, permission.ActionManageFleet, nil) {
		return uuid.Nil, permission.ErrUnauthorized
	}
	return s.repo.CreateVehicle(ctx, &model.Vehicle{
		OrganizationID: actor.OrganizationID,
		PlateNumber:    plateNumber,
		Model:          vehicleModel,
	})
}

// CreateSupplier registers a fuel supplier.
func (s *Service) CreateSupplier(ctx context.Context, actor *model.User, name string) (uuid.UUID, error) {
	if !permission.Authorize(actor, permission.ActionManageFleet, nil) {
		return uuid.Nil, permission.ErrUnauthorized
	}
	return s.repo.CreateSupplier(ctx, name)
}

// ── Trip tickets ─────────────────────────────────────────────────────────

// TripTicketInput carries the creation fields of a trip ticket.
type TripTicketInput struct {
	DriverID    uuid.UUID
	VehicleID   uuid.UUID
	Destination string
	Purposes    string
	PeriodFrom  time.Time
	PeriodTo    time.Time
}

// CreateTripTicket creates a ticket in pending_approval status. Drivers
// create tickets for themselves; admins may create for any driver in their
// organization.
func (s *Service) CreateTripTicket(ctx context.Context, actor *model.User, in TripTicketInput) (*model.TripTicket, error) {
	if !permission.Authorize(actor, permission.ActionCreateTripTicket, nil) {
		return nil, permission.ErrUnauthorized
	}

	driverID := in.DriverID
	if actor.Role == model.RoleDriver {
		driverID = actor.ID
	}

	t, err := s.repo.CreateTripTicket(ctx, &model.TripTicket{
		OrganizationID: actor.OrganizationID,
		DriverID:       driverID,
		VehicleID:      in.VehicleID,
		Destination:    in.Destination,
		Purposes:       in.Purposes,
		PeriodFrom:     in.PeriodFrom,
		PeriodTo:       in.PeriodTo,
	})
	if err != nil {
		return nil, err
	}

	s.emit(t.OrganizationID, model.RoleSPMS, "trip_ticket", t.ID, "trip ticket awaiting approval")
	s.audit(ctx, actor, "trip_ticket.create", "trip_ticket", t.ID, nil, strPtr(string(t.Status)))
	return t, nil
}

// GetTripTicket returns one ticket, enforcing view permissions.
func (s *Service) GetTripTicket(ctx context.Context, actor *model.User, id uuid.UUID) (*model.TripTicket, error) {
	t, err := s.repo.GetTripTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionViewTripTicket, t) {
		return nil, permission.ErrUnauthorized
	}
	return t, nil
}

// ListTripTickets returns the tickets visible to the actor: all tickets of
// the organization for spms/admin, own tickets only for drivers.
func (s *Service) ListTripTickets(ctx context.Context, actor *model.User) ([]model.TripTicket, error) {
	if actor == nil || !actor.IsActive {
		return nil, permission.ErrUnauthorized
	}
	switch actor.Role {
	case model.RoleDriver:
		driverID := actor.ID
		return s.repo.ListTripTickets(ctx, actor.OrganizationID, &driverID)
	case model.RoleSPMS, model.RoleAdmin:
		return s.repo.ListTripTickets(ctx, actor.OrganizationID, nil)
	default:
		return nil, permission.ErrUnauthorized
	}
}

// ApproveTripTicket moves a ticket to approved and stamps its serial
// number. An empty manualSerial draws the next number from the allocator;
// a manually typed number is checked for collisions before being accepted.
func (s *Service) ApproveTripTicket(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, manualSerial string) (*model.TripTicket, error) {
	t, err := s.repo.GetTripTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionApproveTripTicket, t) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckTrip(t.Status, model.TripStatusApproved, actor.Role); err != nil {
		return nil, err
	}

	serialNumber := manualSerial
	if serialNumber == "" {
		serialNumber, err = s.repo.NextControlNumber(ctx, t.OrganizationID, serial.PrefixTripTicket, s.now().Year())
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.ApproveTripTicket(ctx, id, loadedUpdatedAt, serialNumber, actor.ID); err != nil {
		return nil, err
	}

	s.emit(t.OrganizationID, model.RoleDriver, "trip_ticket", id, fmt.Sprintf("trip ticket approved, serial %s", serialNumber))
	s.audit(ctx, actor, "trip_ticket.approve", "trip_ticket", id, strPtr(string(t.Status)), strPtr(string(model.TripStatusApproved)))
	return s.repo.GetTripTicket(ctx, id)
}

// RejectTripTicket moves a ticket to rejected with a reason.
func (s *Service) RejectTripTicket(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.TripTicket, error) {
	t, err := s.repo.GetTripTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionRejectTripTicket, t) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckTrip(t.Status, model.TripStatusRejected, actor.Role); err != nil {
		return nil, err
	}

	if err := s.repo.RejectTripTicket(ctx, id, loadedUpdatedAt, actor.ID, reason); err != nil {
		return nil, err
	}

	s.emit(t.OrganizationID, model.RoleDriver, "trip_ticket", id, "trip ticket rejected")
	s.audit(ctx, actor, "trip_ticket.reject", "trip_ticket", id, strPtr(string(t.Status)), strPtr(string(model.TripStatusRejected)))
	return s.repo.GetTripTicket(ctx, id)
}

// StartTrip moves an approved ticket to in_progress.
func (s *Service) StartTrip(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.TripTicket, error) {
	return s.moveTripTicket(ctx, actor, id, loadedUpdatedAt, permission.ActionStartTrip, model.TripStatusInProgress)
}

// CompleteTrip moves an approved or in-progress ticket to completed.
func (s *Service) CompleteTrip(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.TripTicket, error) {
	return s.moveTripTicket(ctx, actor, id, loadedUpdatedAt, permission.ActionCompleteTrip, model.TripStatusCompleted)
}

func (s *Service) moveTripTicket(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, action permission.Action, to model.TripTicketStatus) (*model.TripTicket, error) {
	t, err := s.repo.GetTripTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, action, t) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckTrip(t.Status, to, actor.Role); err != nil {
		return nil, err
	}

	if err := s.repo.SetTripTicketStatus(ctx, id, loadedUpdatedAt, to); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "trip_ticket."+string(to), "trip_ticket", id, strPtr(string(t.Status)), strPtr(string(to)))
	return s.repo.GetTripTicket(ctx, id)
}

// ── Fuel requisitions ────────────────────────────────────────────────────

// FuelRequisitionInput carries the creation fields of a fuel requisition.
type FuelRequisitionInput struct {
	VehicleID          uuid.UUID
	RequestedLiters100 int64
	RefNumber          *string
}

// CreateFuelRequisition creates a requisition in PENDING_EMD status.
func (s *Service) CreateFuelRequisition(ctx context.Context, actor *model.User, in FuelRequisitionInput) (*model.FuelRequisition, error) {
	if !permission.Authorize(actor, permission.ActionCreateRequisition, nil) {
		return nil, permission.ErrUnauthorized
	}

	f, err := s.repo.CreateFuelRequisition(ctx, &model.FuelRequisition{
		OrganizationID:     actor.OrganizationID,
		CreatedBy:          actor.ID,
		VehicleID:          in.VehicleID,
		RequestedLiters100: in.RequestedLiters100,
		RefNumber:          in.RefNumber,
	})
	if err != nil {
		return nil, err
	}

	s.emit(f.OrganizationID, model.RoleEMD, "fuel_requisition", f.ID, "fuel requisition awaiting validation")
	s.audit(ctx, actor, "fuel_requisition.create", "fuel_requisition", f.ID, nil, strPtr(string(f.Status)))
	return f, nil
}

// GetFuelRequisition returns one requisition, enforcing view permissions.
func (s *Service) GetFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionViewRequisition, f) {
		return nil, permission.ErrUnauthorized
	}
	return f, nil
}

// ListFuelRequisitions returns requisitions visible to the actor.
func (s *Service) ListFuelRequisitions(ctx context.Context, actor *model.User) ([]model.FuelRequisition, error) {
	if actor == nil || !actor.IsActive {
		return nil, permission.ErrUnauthorized
	}
	switch actor.Role {
	case model.RoleDriver:
		createdBy := actor.ID
		return s.repo.ListFuelRequisitions(ctx, actor.OrganizationID, &createdBy)
	case model.RoleEMD, model.RoleSPMS, model.RoleAdmin:
		return s.repo.ListFuelRequisitions(ctx, actor.OrganizationID, nil)
	default:
		return nil, permission.ErrUnauthorized
	}
}

// EditFuelRequisition updates creator-editable fields while the requisition
// is in PENDING_EMD or RETURNED.
func (s *Service) EditFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, in FuelRequisitionInput) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionEditRequisition, f) {
		return nil, permission.ErrUnauthorized
	}

	if err := s.repo.EditFuelRequisition(ctx, id, loadedUpdatedAt, in.VehicleID, in.RequestedLiters100, in.RefNumber); err != nil {
		return nil, err
	}
	return s.repo.GetFuelRequisition(ctx, id)
}

// ValidateFuel records EMD validation against a contract. While the
// requisition is already EMD_VALIDATED the same operation acts as an
// in-place correction without a status edge.
func (s *Service) ValidateFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, contractID uuid.UUID, validatedLiters100 int64) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionValidateFuel, f) {
		return nil, permission.ErrUnauthorized
	}
	if f.Status != model.FuelStatusEMDValidated {
		if err := transition.CheckFuel(f.Status, model.FuelStatusEMDValidated, actor.Role); err != nil {
			return nil, err
		}
	}

	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != actor.OrganizationID {
		return nil, permission.ErrUnauthorized
	}

	if err := s.repo.ValidateFuelRequisition(ctx, id, loadedUpdatedAt, c.ID, c.SupplierID, validatedLiters100, actor.ID); err != nil {
		return nil, err
	}

	s.emit(f.OrganizationID, model.RoleSPMS, "fuel_requisition", id, "fuel requisition validated, awaiting RIS")
	s.audit(ctx, actor, "fuel_requisition.validate", "fuel_requisition", id, strPtr(string(f.Status)), strPtr(string(model.FuelStatusEMDValidated)))
	return s.repo.GetFuelRequisition(ctx, id)
}

// ReturnFuel sends a requisition back to its creator with a reason.
func (s *Service) ReturnFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error) {
	return s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionReturnRequisition, model.FuelStatusReturned, &reason)
}

// RejectFuel terminally rejects a requisition.
func (s *Service) RejectFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error) {
	return s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionRejectRequisition, model.FuelStatusRejected, &reason)
}

// ResubmitFuel returns a RETURNED requisition to the EMD queue.
func (s *Service) ResubmitFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.FuelRequisition, error) {
	return s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionResubmit, model.FuelStatusPendingEMD, nil)
}

// ReleaseRIS hands the issued slip over for purchase.
func (s *Service) ReleaseRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time) (*model.FuelRequisition, error) {
	return s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionReleaseRIS, model.FuelStatusAwaitingReceipt, nil)
}

// VoidRIS cancels an issued slip. Legal only from RIS_ISSUED.
func (s *Service) VoidRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error) {
	return s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionVoidRIS, model.FuelStatusCancelled, &reason)
}

// ReturnReceipt sends a submitted receipt back to the creator.
func (s *Service) ReturnReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, reason string) (*model.FuelRequisition, error) {
	f, err := s.moveFuel(ctx, actor, id, loadedUpdatedAt, permission.ActionReturnReceipt, model.FuelStatusReceiptReturned, &reason)
	if err != nil {
		return nil, err
	}
	s.emit(f.OrganizationID, model.RoleDriver, "fuel_requisition", id, "receipt returned, re-upload required")
	return f, nil
}

func (s *Service) moveFuel(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, action permission.Action, to model.FuelStatus, reason *string) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, action, f) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckFuel(f.Status, to, actor.Role); err != nil {
		return nil, err
	}

	if err := s.repo.SetFuelStatus(ctx, id, loadedUpdatedAt, to, reason); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "fuel_requisition."+string(to), "fuel_requisition", id, strPtr(string(f.Status)), strPtr(string(to)))
	return s.repo.GetFuelRequisition(ctx, id)
}

// IssueRIS moves a validated requisition to RIS_ISSUED and stamps the RIS
// number, auto-allocated unless a manual number is supplied.
func (s *Service) IssueRIS(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, manualNumber string) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionIssueRIS, f) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckFuel(f.Status, model.FuelStatusRISIssued, actor.Role); err != nil {
		return nil, err
	}

	risNumber := manualNumber
	if risNumber == "" {
		risNumber, err = s.repo.NextControlNumber(ctx, f.OrganizationID, serial.PrefixRIS, s.now().Year())
		if err != nil {
			return nil, err
		}
	}

	if err := s.repo.IssueRIS(ctx, id, loadedUpdatedAt, risNumber, actor.ID); err != nil {
		return nil, err
	}

	s.emit(f.OrganizationID, model.RoleDriver, "fuel_requisition", id, fmt.Sprintf("RIS %s issued", risNumber))
	s.audit(ctx, actor, "fuel_requisition.issue_ris", "fuel_requisition", id, strPtr(string(f.Status)), strPtr(string(model.FuelStatusRISIssued)))
	return s.repo.GetFuelRequisition(ctx, id)
}

// SubmitReceipt records the purchase receipt from the requisition creator.
func (s *Service) SubmitReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, actualLiters100 int64, invoiceNumber string) (*model.FuelRequisition, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionSubmitReceipt, f) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckFuel(f.Status, model.FuelStatusReceiptSubmitted, actor.Role); err != nil {
		return nil, err
	}

	if err := s.repo.SubmitReceipt(ctx, id, loadedUpdatedAt, actualLiters100, invoiceNumber); err != nil {
		return nil, err
	}

	s.emit(f.OrganizationID, model.RoleEMD, "fuel_requisition", id, "receipt submitted for verification")
	s.audit(ctx, actor, "fuel_requisition.submit_receipt", "fuel_requisition", id, strPtr(string(f.Status)), strPtr(string(model.FuelStatusReceiptSubmitted)))
	return s.repo.GetFuelRequisition(ctx, id)
}

// VerifyReceipt completes a requisition and deducts the purchase amount
// from its contract. The repository applies the completion and the
// deduction in one transaction; this method must therefore run at most
// once per requisition, which the transition table plus the version marker
// guarantee.
func (s *Service) VerifyReceipt(ctx context.Context, actor *model.User, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64) (*model.ContractTransaction, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionVerifyReceipt, f) {
		return nil, permission.ErrUnauthorized
	}
	if err := transition.CheckFuel(f.Status, model.FuelStatusCompleted, actor.Role); err != nil {
		return nil, err
	}
	if f.ContractID == nil {
		return nil, fmt.Errorf("%w: requisition has no contract", repository.ErrNotFound)
	}

	txn, err := s.repo.VerifyAndDeduct(ctx, id, loadedUpdatedAt, priceCentavos, actor.ID)
	if err != nil {
		return nil, err
	}

	s.emit(f.OrganizationID, model.RoleDriver, "fuel_requisition", id, "fuel requisition completed")
	s.audit(ctx, actor, "fuel_requisition.verify", "fuel_requisition", id, strPtr(string(f.Status)), strPtr(string(model.FuelStatusCompleted)))
	return txn, nil
}

// ── Contracts ────────────────────────────────────────────────────────────

// CreateContract registers a supplier contract with its full balance.
func (s *Service) CreateContract(ctx context.Context, actor *model.User, supplierID uuid.UUID, contractNumber string, totalCentavos int64) (*model.Contract, error) {
	if !permission.Authorize(actor, permission.ActionManageContracts, nil) {
		return nil, permission.ErrUnauthorized
	}
	return s.repo.CreateContract(ctx, &model.Contract{
		OrganizationID: actor.OrganizationID,
		SupplierID:     supplierID,
		ContractNumber: contractNumber,
		TotalCentavos:  totalCentavos,
	})
}

// GetContract returns a contract, enforcing organization scoping.
func (s *Service) GetContract(ctx context.Context, actor *model.User, id uuid.UUID) (*model.Contract, error) {
	c, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionViewContract, c) {
		return nil, permission.ErrUnauthorized
	}
	return c, nil
}

// ListContracts returns the contracts of the actor's organization.
func (s *Service) ListContracts(ctx context.Context, actor *model.User) ([]model.Contract, error) {
	if !permission.Authorize(actor, permission.ActionViewContract, nil) {
		return nil, permission.ErrUnauthorized
	}
	return s.repo.ListContracts(ctx, actor.OrganizationID)
}

// ListContractTransactions returns the audit chain of a contract.
func (s *Service) ListContractTransactions(ctx context.Context, actor *model.User, contractID uuid.UUID) ([]model.ContractTransaction, error) {
	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionViewContract, c) {
		return nil, permission.ErrUnauthorized
	}
	return s.repo.ListContractTransactions(ctx, contractID)
}

// ── Control numbers ──────────────────────────────────────────────────────

// ReserveSerial reserves the next control number for the given prefix,
// standalone or linked to a ticket.
func (s *Service) ReserveSerial(ctx context.Context, actor *model.User, prefix string, ticketID *uuid.UUID) (*model.SerialReservation, error) {
	if !permission.Authorize(actor, permission.ActionReserveSerial, nil) {
		return nil, permission.ErrUnauthorized
	}
	return s.repo.ReserveControlNumber(ctx, actor.OrganizationID, prefix, s.now().Year(), ticketID)
}

// ── Rendering ────────────────────────────────────────────────────────────

// renderableTripStatuses are the states in which a trip ticket document may
// be printed: a serial has been assigned and the content is locked.
var renderableTripStatuses = map[model.TripTicketStatus]bool{
	model.TripStatusApproved:   true,
	model.TripStatusInProgress: true,
	model.TripStatusCompleted:  true,
}

// renderableFuelStatuses are the states in which a RIS document may be
// printed.
var renderableFuelStatuses = map[model.FuelStatus]bool{
	model.FuelStatusRISIssued:        true,
	model.FuelStatusAwaitingReceipt:  true,
	model.FuelStatusReceiptSubmitted: true,
	model.FuelStatusReceiptReturned:  true,
	model.FuelStatusCompleted:        true,
}

// RenderTripTicket hands a finalized ticket snapshot to the rendering
// collaborator and returns the artifact.
func (s *Service) RenderTripTicket(ctx context.Context, actor *model.User, id uuid.UUID) (*render.Artifact, error) {
	t, err := s.repo.GetTripTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionRenderTripTicket, t) {
		return nil, permission.ErrUnauthorized
	}
	if !renderableTripStatuses[t.Status] {
		return nil, ErrNotRenderable
	}

	return s.callRenderer(ctx, &render.Snapshot{Kind: "trip_ticket", TripTicket: t})
}

// RenderFuelRequisition hands a finalized requisition snapshot, with its
// contract summary, to the rendering collaborator.
func (s *Service) RenderFuelRequisition(ctx context.Context, actor *model.User, id uuid.UUID) (*render.Artifact, error) {
	f, err := s.repo.GetFuelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !permission.Authorize(actor, permission.ActionRenderRequisition, f) {
		return nil, permission.ErrUnauthorized
	}
	if !renderableFuelStatuses[f.Status] || f.ContractID == nil {
		return nil, ErrNotRenderable
	}

	c, err := s.repo.GetContract(ctx, *f.ContractID)
	if err != nil {
		return nil, err
	}

	snap := &render.Snapshot{
		Kind:        "fuel_requisition",
		Requisition: f,
		Contract: &render.ContractSummary{
			ContractNumber: c.ContractNumber,
			Total:          float64(c.TotalCentavos) / 100,
			Remaining:      float64(c.RemainingCentavos) / 100,
			Status:         string(c.Status),
		},
	}
	return s.callRenderer(ctx, snap)
}

func (s *Service) callRenderer(ctx context.Context, snap *render.Snapshot) (*render.Artifact, error) {
	if s.renderClient == nil {
		return nil, errors.New("rendering service not configured")
	}

	artifact, statusCode, _, err := s.renderClient.Render(ctx, snap)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("rendering service unavailable: status %d", statusCode)
	}
	return artifact, nil
}

// ── Collaborator plumbing ────────────────────────────────────────────────

func (s *Service) emit(orgID uuid.UUID, role model.Role, kind string, entityID uuid.UUID, message string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Emit(model.Notification{
		OrganizationID: orgID,
		TargetRole:     role,
		EntityKind:     kind,
		EntityID:       entityID,
		Message:        message,
	})
}

// audit is best effort: a failed audit write never fails the operation it
// describes.
func (s *Service) audit(ctx context.Context, actor *model.User, action, kind string, entityID uuid.UUID, before, after *string) {
	_ = s.repo.CreateAuditEntry(ctx, &model.AuditEntry{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.ID,
		Action:         action,
		EntityKind:     kind,
		EntityID:       entityID,
		StatusBefore:   before,
		StatusAfter:    after,
	})
}

func strPtr(s string) *string { return &s }
