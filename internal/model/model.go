// Package model contains the domain entities of the fleet operations service.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies what a user is allowed to do in the system.
type Role string

const (
	RoleDriver Role = "driver"
	RoleEMD    Role = "emd"
	RoleSPMS   Role = "spms"
	RoleAdmin  Role = "admin"
)

// User represents an authenticated actor of the system.
type User struct {
	ID             uuid.UUID
	Email          string
	DisplayName    string
	PasswordHash   []byte
	Role           Role
	OrganizationID uuid.UUID
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization scopes every entity; cross-organization access is never allowed.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Vehicle is a dispatchable unit of the fleet.
type Vehicle struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	PlateNumber    string
	Model          string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Supplier is a fuel supplier bound to one or more contracts.
type Supplier struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// TripTicketStatus describes the life-cycle state of a trip ticket.
type TripTicketStatus string

const (
	TripStatusPendingApproval TripTicketStatus = "pending_approval"
	TripStatusApproved        TripTicketStatus = "approved"
	TripStatusInProgress      TripTicketStatus = "in_progress"
	TripStatusCompleted       TripTicketStatus = "completed"
	TripStatusCancelled       TripTicketStatus = "cancelled"
	TripStatusRejected        TripTicketStatus = "rejected"
)

// TripTicket authorizes a driver to dispatch a vehicle for a period.
// SerialNumber is assigned exactly once, at approval, and never reused.
type TripTicket struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	DriverID        uuid.UUID
	VehicleID       uuid.UUID
	Destination     string
	Purposes        string
	PeriodFrom      time.Time
	PeriodTo        time.Time
	Status          TripTicketStatus
	SerialNumber    *string
	ApproverID      *uuid.UUID
	ApprovedAt      *time.Time
	RejecterID      *uuid.UUID
	RejectedAt      *time.Time
	RejectionReason *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FuelStatus describes the life-cycle state of a fuel requisition.
type FuelStatus string

const (
	FuelStatusPendingEMD       FuelStatus = "PENDING_EMD"
	FuelStatusReturned         FuelStatus = "RETURNED"
	FuelStatusEMDValidated     FuelStatus = "EMD_VALIDATED"
	FuelStatusRISIssued        FuelStatus = "RIS_ISSUED"
	FuelStatusAwaitingReceipt  FuelStatus = "AWAITING_RECEIPT"
	FuelStatusReceiptSubmitted FuelStatus = "RECEIPT_SUBMITTED"
	FuelStatusReceiptReturned  FuelStatus = "RECEIPT_RETURNED"
	FuelStatusCompleted        FuelStatus = "COMPLETED"
	FuelStatusCancelled        FuelStatus = "CANCELLED"
	FuelStatusRejected         FuelStatus = "REJECTED"
)

// FuelRequisition is a request for fuel drawn against a supplier contract.
// Volumes are stored in hundredths of a liter, money in centavos.
type FuelRequisition struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	CreatedBy          uuid.UUID
	VehicleID          uuid.UUID
	ContractID         *uuid.UUID
	SupplierID         *uuid.UUID
	Status             FuelStatus
	RequestedLiters100 int64
	ValidatedLiters100 *int64
	ActualLiters100    *int64
	PriceCentavos      *int64
	RISNumber          *string
	RefNumber          *string
	InvoiceNumber      *string
	ReceiptSubmittedAt *time.Time
	ReturnReason       *string
	ValidatorID        *uuid.UUID
	IssuerID           *uuid.UUID
	VerifierID         *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ContractStatus describes whether a contract still has balance to draw from.
type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "ACTIVE"
	ContractStatusExhausted ContractStatus = "EXHAUSTED"
)

// Contract is a supplier contract with a running balance in centavos.
// RemainingCentavos never exceeds TotalCentavos and never goes below zero;
// the EXHAUSTED flip at zero is irreversible.
type Contract struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	SupplierID        uuid.UUID
	ContractNumber    string
	TotalCentavos     int64
	RemainingCentavos int64
	Status            ContractStatus
	ExhaustedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ContractTransaction is one immutable row of the contract audit chain.
// Replaying all rows for a contract in creation order reproduces its
// current remaining balance.
type ContractTransaction struct {
	ID                uuid.UUID
	ContractID        uuid.UUID
	RequisitionID     uuid.UUID
	AmountCentavos    int64
	Liters100         int64
	PriceCentavos     int64
	BalanceBefore     int64
	BalanceAfter      int64
	ShortfallCentavos int64
	CreatedBy         uuid.UUID
	CreatedAt         time.Time
}

// ReservationStatus describes whether a reserved control number has been
// consumed by a document yet.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusConsumed ReservationStatus = "consumed"
)

// SerialReservation holds a control number against future use. A reservation
// may be linked to a ticket or remain standalone; numbers are never recycled.
type SerialReservation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ControlNumber  string
	Status         ReservationStatus
	TicketID       *uuid.UUID
	CreatedAt      time.Time
}

// Notification is a fire-and-forget record addressed to a role within an
// organization.
type Notification struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	TargetRole     Role
	EntityKind     string
	EntityID       uuid.UUID
	Message        string
	CreatedAt      time.Time
}

// AuditEntry records one state-changing action for later review.
type AuditEntry struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ActorID        uuid.UUID
	Action         string
	EntityKind     string
	EntityID       uuid.UUID
	StatusBefore   *string
	StatusAfter    *string
	CreatedAt      time.Time
}
