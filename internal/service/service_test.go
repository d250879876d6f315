package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/fleetops-system/internal/model"
	"github.com/mmeshcher/fleetops-system/internal/permission"
	"github.com/mmeshcher/fleetops-system/internal/repository"
	"github.com/mmeshcher/fleetops-system/internal/transition"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	ticket     *model.TripTicket
	ticketErr  error
	fuel       *model.FuelRequisition
	fuelErr    error
	contract   *model.Contract
	contractErr error

	nextNumber    string
	nextNumberErr error

	approveErr    error
	setStatusErr  error
	deductTxn     *model.ContractTransaction
	deductErr     error

	approvedSerial  string
	issuedRIS       string
	listDriverID    *uuid.UUID
	listCreatedBy   *uuid.UUID
	setStatusTarget model.FuelStatus
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, u *model.User) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func (s *stubRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) CreateOrganization(ctx context.Context, name string) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (s *stubRepo) CreateVehicle(ctx context.Context, v *model.Vehicle) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (s *stubRepo) CreateSupplier(ctx context.Context, name string) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (s *stubRepo) CreateTripTicket(ctx context.Context, t *model.TripTicket) (*model.TripTicket, error) {
	created := *t
	created.ID = uuid.New()
	created.Status = model.TripStatusPendingApproval
	s.ticket = &created
	return &created, nil
}

func (s *stubRepo) GetTripTicket(ctx context.Context, id uuid.UUID) (*model.TripTicket, error) {
	if s.ticketErr != nil {
		return nil, s.ticketErr
	}
	if s.ticket == nil {
		return nil, repository.ErrNotFound
	}
	return s.ticket, nil
}

func (s *stubRepo) ListTripTickets(ctx context.Context, orgID uuid.UUID, driverID *uuid.UUID) ([]model.TripTicket, error) {
	s.listDriverID = driverID
	return nil, nil
}

func (s *stubRepo) ApproveTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, serialNumber string, approverID uuid.UUID) error {
	s.approvedSerial = serialNumber
	return s.approveErr
}

func (s *stubRepo) RejectTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, rejecterID uuid.UUID, reason string) error {
	return nil
}

func (s *stubRepo) SetTripTicketStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.TripTicketStatus) error {
	return s.setStatusErr
}

func (s *stubRepo) CreateFuelRequisition(ctx context.Context, f *model.FuelRequisition) (*model.FuelRequisition, error) {
	created := *f
	created.ID = uuid.New()
	created.Status = model.FuelStatusPendingEMD
	s.fuel = &created
	return &created, nil
}

func (s *stubRepo) GetFuelRequisition(ctx context.Context, id uuid.UUID) (*model.FuelRequisition, error) {
	if s.fuelErr != nil {
		return nil, s.fuelErr
	}
	if s.fuel == nil {
		return nil, repository.ErrNotFound
	}
	return s.fuel, nil
}

func (s *stubRepo) ListFuelRequisitions(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID) ([]model.FuelRequisition, error) {
	s.listCreatedBy = createdBy
	return nil, nil
}

func (s *stubRepo) EditFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, vehicleID uuid.UUID, requestedLiters100 int64, refNumber *string) error {
	return nil
}

func (s *stubRepo) ValidateFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, contractID, supplierID uuid.UUID, validatedLiters100 int64, validatorID uuid.UUID) error {
	return nil
}

func (s *stubRepo) SetFuelStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.FuelStatus, reason *string) error {
	s.setStatusTarget = status
	return s.setStatusErr
}

func (s *stubRepo) IssueRIS(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, risNumber string, issuerID uuid.UUID) error {
	s.issuedRIS = risNumber
	return nil
}

func (s *stubRepo) SubmitReceipt(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, actualLiters100 int64, invoiceNumber string) error {
	return nil
}

func (s *stubRepo) VerifyAndDeduct(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64, verifierID uuid.UUID) (*model.ContractTransaction, error) {
	return s.deductTxn, s.deductErr
}

func (s *stubRepo) CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, error) {
	created := *c
	created.ID = uuid.New()
	created.RemainingCentavos = c.TotalCentavos
	created.Status = model.ContractStatusActive
	return &created, nil
}

func (s *stubRepo) GetContract(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	if s.contractErr != nil {
		return nil, s.contractErr
	}
	if s.contract == nil {
		return nil, repository.ErrNotFound
	}
	return s.contract, nil
}

func (s *stubRepo) ListContracts(ctx context.Context, orgID uuid.UUID) ([]model.Contract, error) {
	return nil, nil
}

func (s *stubRepo) ListContractTransactions(ctx context.Context, contractID uuid.UUID) ([]model.ContractTransaction, error) {
	return nil, nil
}

func (s *stubRepo) ReserveControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int, ticketID *uuid.UUID) (*model.SerialReservation, error) {
	return &model.SerialReservation{ID: uuid.New(), OrganizationID: orgID, ControlNumber: s.nextNumber, Status: model.ReservationStatusReserved, TicketID: ticketID}, nil
}

func (s *stubRepo) NextControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int) (string, error) {
	return s.nextNumber, s.nextNumberErr
}

func (s *stubRepo) CreateNotification(ctx context.Context, n *model.Notification) error {
	return nil
}

func (s *stubRepo) CreateAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	return nil
}

var testOrg = uuid.New()

func testUser(role model.Role) *model.User {
	return &model.User{ID: uuid.New(), Role: role, OrganizationID: testOrg, IsActive: true}
}

func TestCreateTripTicket_DriverOwnsTicket(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	driver := testUser(model.RoleDriver)
	ticket, err := svc.CreateTripTicket(context.Background(), driver, TripTicketInput{
		DriverID:    uuid.New(), // ignored for drivers
		VehicleID:   uuid.New(),
		Destination: "Provincial Capitol",
		PeriodFrom:  time.Now(),
		PeriodTo:    time.Now().Add(8 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateTripTicket error: %v", err)
	}
	if ticket.DriverID != driver.ID {
		t.Fatalf("driver-created ticket must belong to the driver")
	}
	if ticket.Status != model.TripStatusPendingApproval {
		t.Fatalf("new ticket status = %s, want pending_approval", ticket.Status)
	}
}

func TestCreateTripTicket_RoleDenied(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	_, err := svc.CreateTripTicket(context.Background(), testUser(model.RoleEMD), TripTicketInput{})
	if !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApproveTripTicket_AutoSerial(t *testing.T) {
	marker := time.Now()
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			DriverID:       uuid.New(),
			Status:         model.TripStatusPendingApproval,
			UpdatedAt:      marker,
		},
		nextNumber: "DTT-2025-0001",
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ApproveTripTicket(context.Background(), testUser(model.RoleSPMS), repo.ticket.ID, marker, "")
	if err != nil {
		t.Fatalf("ApproveTripTicket error: %v", err)
	}
	if repo.approvedSerial != "DTT-2025-0001" {
		t.Fatalf("approved serial = %q, want allocator number", repo.approvedSerial)
	}
}

func TestApproveTripTicket_ManualSerial(t *testing.T) {
	marker := time.Now()
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.TripStatusPendingApproval,
			UpdatedAt:      marker,
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ApproveTripTicket(context.Background(), testUser(model.RoleSPMS), repo.ticket.ID, marker, "DTT-2025-0777")
	if err != nil {
		t.Fatalf("ApproveTripTicket error: %v", err)
	}
	if repo.approvedSerial != "DTT-2025-0777" {
		t.Fatalf("approved serial = %q, want the typed number", repo.approvedSerial)
	}
}

func TestApproveTripTicket_IllegalTransition(t *testing.T) {
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.TripStatusCompleted,
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ApproveTripTicket(context.Background(), testUser(model.RoleAdmin), repo.ticket.ID, time.Now(), "")

	var illegal *transition.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestApproveTripTicket_DriverDenied(t *testing.T) {
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.TripStatusPendingApproval,
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ApproveTripTicket(context.Background(), testUser(model.RoleDriver), repo.ticket.ID, time.Now(), "")
	if !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApproveTripTicket_StaleWritePropagates(t *testing.T) {
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.TripStatusPendingApproval,
		},
		nextNumber: "DTT-2025-0002",
		approveErr: repository.ErrStaleWrite,
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ApproveTripTicket(context.Background(), testUser(model.RoleSPMS), repo.ticket.ID, time.Now().Add(-time.Hour), "")
	if !errors.Is(err, repository.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestListTripTickets_DriverScoped(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	driver := testUser(model.RoleDriver)
	if _, err := svc.ListTripTickets(context.Background(), driver); err != nil {
		t.Fatalf("ListTripTickets error: %v", err)
	}
	if repo.listDriverID == nil || *repo.listDriverID != driver.ID {
		t.Fatalf("driver listing must be scoped to own tickets")
	}

	if _, err := svc.ListTripTickets(context.Background(), testUser(model.RoleSPMS)); err != nil {
		t.Fatalf("ListTripTickets error: %v", err)
	}
	if repo.listDriverID != nil {
		t.Fatalf("spms listing must not be driver scoped")
	}
}

func TestValidateFuel_ForeignContractDenied(t *testing.T) {
	emd := testUser(model.RoleEMD)
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusPendingEMD,
		},
		contract: &model.Contract{
			ID:             uuid.New(),
			OrganizationID: uuid.New(), // another organization
			SupplierID:     uuid.New(),
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ValidateFuel(context.Background(), emd, repo.fuel.ID, time.Now(), repo.contract.ID, 9800)
	if !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign contract, got %v", err)
	}
}

func TestValidateFuel_CorrectionInPlace(t *testing.T) {
	emd := testUser(model.RoleEMD)
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusEMDValidated,
		},
		contract: &model.Contract{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			SupplierID:     uuid.New(),
		},
	}
	svc := NewService(repo, nil, nil)

	if _, err := svc.ValidateFuel(context.Background(), emd, repo.fuel.ID, time.Now(), repo.contract.ID, 9000); err != nil {
		t.Fatalf("correction of a validated requisition must be allowed: %v", err)
	}
}

func TestIssueRIS_AutoNumber(t *testing.T) {
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusEMDValidated,
		},
		nextNumber: "RIS-2025-0001",
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.IssueRIS(context.Background(), testUser(model.RoleSPMS), repo.fuel.ID, time.Now(), "")
	if err != nil {
		t.Fatalf("IssueRIS error: %v", err)
	}
	if repo.issuedRIS != "RIS-2025-0001" {
		t.Fatalf("issued RIS = %q, want allocator number", repo.issuedRIS)
	}
}

func TestVoidRIS_OnlyFromIssued(t *testing.T) {
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusAwaitingReceipt,
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.VoidRIS(context.Background(), testUser(model.RoleSPMS), repo.fuel.ID, time.Now(), "duplicate")

	var illegal *transition.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("void after release must be illegal, got %v", err)
	}
}

func TestVerifyReceipt_DeductsBalance(t *testing.T) {
	contractID := uuid.New()
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusReceiptSubmitted,
			ContractID:     &contractID,
		},
		deductTxn: &model.ContractTransaction{
			ContractID:     contractID,
			AmountCentavos: 564480,
			BalanceBefore:  1000000,
			BalanceAfter:   435520,
		},
	}
	svc := NewService(repo, nil, nil)

	txn, err := svc.VerifyReceipt(context.Background(), testUser(model.RoleEMD), repo.fuel.ID, time.Now(), 5760)
	if err != nil {
		t.Fatalf("VerifyReceipt error: %v", err)
	}
	if txn.AmountCentavos != 564480 {
		t.Fatalf("deducted amount = %d, want 564480", txn.AmountCentavos)
	}
}

func TestVerifyReceipt_DuplicatePropagates(t *testing.T) {
	contractID := uuid.New()
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.FuelStatusReceiptSubmitted,
			ContractID:     &contractID,
		},
		deductErr: repository.ErrDuplicateDeduction,
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.VerifyReceipt(context.Background(), testUser(model.RoleEMD), repo.fuel.ID, time.Now(), 5760)
	if !errors.Is(err, repository.ErrDuplicateDeduction) {
		t.Fatalf("expected ErrDuplicateDeduction, got %v", err)
	}
}

func TestResubmitFuel_DriverOnlyEdge(t *testing.T) {
	driver := testUser(model.RoleDriver)
	repo := &stubRepo{
		fuel: &model.FuelRequisition{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			CreatedBy:      driver.ID,
			Status:         model.FuelStatusReturned,
		},
	}
	svc := NewService(repo, nil, nil)

	if _, err := svc.ResubmitFuel(context.Background(), driver, repo.fuel.ID, time.Now()); err != nil {
		t.Fatalf("ResubmitFuel error: %v", err)
	}
	if repo.setStatusTarget != model.FuelStatusPendingEMD {
		t.Fatalf("resubmit must return the requisition to PENDING_EMD, got %s", repo.setStatusTarget)
	}

	_, err := svc.ResubmitFuel(context.Background(), testUser(model.RoleAdmin), repo.fuel.ID, time.Now())
	var illegal *transition.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("resubmission belongs to the creating driver, got %v", err)
	}
}

func TestRenderTripTicket_RequiresLockedStatus(t *testing.T) {
	repo := &stubRepo{
		ticket: &model.TripTicket{
			ID:             uuid.New(),
			OrganizationID: testOrg,
			Status:         model.TripStatusPendingApproval,
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.RenderTripTicket(context.Background(), testUser(model.RoleSPMS), repo.ticket.ID)
	if !errors.Is(err, ErrNotRenderable) {
		t.Fatalf("expected ErrNotRenderable for pending ticket, got %v", err)
	}
}
