// Package repository implements data access on PostgreSQL. It also carries
// the transactional primitives the domain depends on: compare-and-swap
// status updates keyed on updated_at, the atomic serial counter bump, and
// the single-transaction contract deduction.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/fleetops-system/internal/ledger"
	"github.com/mmeshcher/fleetops-system/internal/model"
	"github.com/mmeshcher/fleetops-system/internal/serial"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists is returned when registering an email that is already taken.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound is returned when a referenced entity does not resolve.
	ErrNotFound = errors.New("entity not found")
	// ErrStaleWrite is returned when the caller's loaded version marker no
	// longer matches the stored one; the caller must refresh and retry.
	ErrStaleWrite = errors.New("entity modified by another writer")
	// ErrControlNumberConflict is returned when a control number is already
	// taken by an issued serial, a RIS number or an active reservation.
	ErrControlNumberConflict = errors.New("control number already in use")
	// ErrDuplicateDeduction is returned when a requisition has already been
	// charged against its contract.
	ErrDuplicateDeduction = errors.New("requisition already deducted")
)

// PostgresRepository provides access to the fleet operations data store.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and brings the schema up to
// date through embedded goose migrations.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Retries only help for serialization failures, deadlocks and
		// transient network errors; everything else is terminal.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// ── Users and reference entities ─────────────────────────────────────────

// CreateUser registers a user and returns the assigned id.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, display_name, password_hash, role, organization_id, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 RETURNING id`,
		u.Email, u.DisplayName, u.PasswordHash, string(u.Role), u.OrganizationID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return uuid.Nil, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail returns a user by email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, email, display_name, password_hash, role, organization_id, is_active, created_at, updated_at
		 FROM users WHERE email = $1`,
		email,
	))
}

// GetUserByID returns a user by id.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, email, display_name, password_hash, role, organization_id, is_active, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	))
}

func (r *PostgresRepository) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &role,
		&u.OrganizationID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// CreateOrganization creates an organization.
func (r *PostgresRepository) CreateOrganization(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO organizations (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create organization: %w", err)
	}
	return id, nil
}

// CreateVehicle creates a vehicle in an organization.
func (r *PostgresRepository) CreateVehicle(ctx context.Context, v *model.Vehicle) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO vehicles (organization_id, plate_number, model, is_active)
		 VALUES ($1, $2, $3, TRUE) RETURNING id`,
		v.OrganizationID, v.PlateNumber, v.Model,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create vehicle: %w", err)
	}
	return id, nil
}

// CreateSupplier creates a fuel supplier.
func (r *PostgresRepository) CreateSupplier(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO suppliers (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create supplier: %w", err)
	}
	return id, nil
}

// ── Trip tickets ─────────────────────────────────────────────────────────

const tripTicketColumns = `id, organization_id, driver_id, vehicle_id, destination, purposes,
	period_from, period_to, status, serial_number, approver_id, approved_at,
	rejecter_id, rejected_at, rejection_reason, created_at, updated_at`

// CreateTripTicket inserts a new ticket in pending_approval status.
func (r *PostgresRepository) CreateTripTicket(ctx context.Context, t *model.TripTicket) (*model.TripTicket, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO trip_tickets (organization_id, driver_id, vehicle_id, destination, purposes, period_from, period_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+tripTicketColumns,
		t.OrganizationID, t.DriverID, t.VehicleID, t.Destination, t.Purposes, t.PeriodFrom, t.PeriodTo,
	)
	return scanTripTicket(row)
}

// GetTripTicket returns a ticket by id.
func (r *PostgresRepository) GetTripTicket(ctx context.Context, id uuid.UUID) (*model.TripTicket, error) {
	return scanTripTicket(r.pool.QueryRow(ctx,
		`SELECT `+tripTicketColumns+` FROM trip_tickets WHERE id = $1`, id,
	))
}

// ListTripTickets returns tickets of an organization, optionally narrowed
// to a single driver, newest first.
func (r *PostgresRepository) ListTripTickets(ctx context.Context, orgID uuid.UUID, driverID *uuid.UUID) ([]model.TripTicket, error) {
	query := `SELECT ` + tripTicketColumns + ` FROM trip_tickets WHERE organization_id = $1`
	args := []any{orgID}
	if driverID != nil {
		query += ` AND driver_id = $2`
		args = append(args, *driverID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select trip tickets: %w", err)
	}
	defer rows.Close()

	var res []model.TripTicket
	for rows.Next() {
		t, err := scanTripTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func scanTripTicket(row pgx.Row) (*model.TripTicket, error) {
	var t model.TripTicket
	var status string
	err := row.Scan(&t.ID, &t.OrganizationID, &t.DriverID, &t.VehicleID, &t.Destination, &t.Purposes,
		&t.PeriodFrom, &t.PeriodTo, &status, &t.SerialNumber, &t.ApproverID, &t.ApprovedAt,
		&t.RejecterID, &t.RejectedAt, &t.RejectionReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: trip ticket", ErrNotFound)
		}
		return nil, fmt.Errorf("scan trip ticket: %w", err)
	}
	t.Status = model.TripTicketStatus(status)
	return &t, nil
}

// ApproveTripTicket stamps the serial number and approver onto a ticket in
// a single transaction: the serial uniqueness check, the counter ratchet,
// the reservation consumption and the compare-and-swap status update either
// all happen or none do.
func (r *PostgresRepository) ApproveTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, serialNumber string, approverID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT organization_id FROM trip_tickets WHERE id = $1`, id).Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: trip ticket", ErrNotFound)
		}
		return fmt.Errorf("select ticket org: %w", err)
	}

	inUse, err := controlNumberInUse(ctx, tx, orgID, serialNumber, &id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s", ErrControlNumberConflict, serialNumber)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE trip_tickets
		 SET status = $1, serial_number = $2, approver_id = $3, approved_at = now(), updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		string(model.TripStatusApproved), serialNumber, approverID, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("approve trip ticket: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, tx, "trip_tickets", id)
	}

	// A reservation already linked to this ticket is consumed by the
	// approval; a manually typed number that was never reserved simply has
	// no row to touch.
	_, err = tx.Exec(ctx,
		`UPDATE serial_reservations SET status = $1
		 WHERE organization_id = $2 AND control_number = $3 AND ticket_id = $4`,
		string(model.ReservationStatusConsumed), orgID, serialNumber, id,
	)
	if err != nil {
		return fmt.Errorf("consume reservation: %w", err)
	}

	if err := ratchetCounter(ctx, tx, orgID, serialNumber); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RejectTripTicket records the rejection with its reason.
func (r *PostgresRepository) RejectTripTicket(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, rejecterID uuid.UUID, reason string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE trip_tickets
		 SET status = $1, rejecter_id = $2, rejected_at = now(), rejection_reason = $3, updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		string(model.TripStatusRejected), rejecterID, reason, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reject trip ticket: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "trip_tickets", id)
	}
	return nil
}

// SetTripTicketStatus moves a ticket to a new status with a compare-and-swap
// on the loaded version marker.
func (r *PostgresRepository) SetTripTicketStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.TripTicketStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE trip_tickets SET status = $1, updated_at = now()
		 WHERE id = $2 AND updated_at = $3`,
		string(status), id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set trip ticket status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "trip_tickets", id)
	}
	return nil
}

// ── Fuel requisitions ────────────────────────────────────────────────────

const fuelColumns = `id, organization_id, created_by, vehicle_id, contract_id, supplier_id, status,
	requested_liters100, validated_liters100, actual_liters100, price_centavos,
	ris_number, ref_number, invoice_number, receipt_submitted_at, return_reason,
	validator_id, issuer_id, verifier_id, created_at, updated_at`

// CreateFuelRequisition inserts a new requisition in PENDING_EMD status.
func (r *PostgresRepository) CreateFuelRequisition(ctx context.Context, f *model.FuelRequisition) (*model.FuelRequisition, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO fuel_requisitions (organization_id, created_by, vehicle_id, requested_liters100, ref_number)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+fuelColumns,
		f.OrganizationID, f.CreatedBy, f.VehicleID, f.RequestedLiters100, f.RefNumber,
	)
	return scanFuelRequisition(row)
}

// GetFuelRequisition returns a requisition by id.
func (r *PostgresRepository) GetFuelRequisition(ctx context.Context, id uuid.UUID) (*model.FuelRequisition, error) {
	return scanFuelRequisition(r.pool.QueryRow(ctx,
		`SELECT `+fuelColumns+` FROM fuel_requisitions WHERE id = $1`, id,
	))
}

// ListFuelRequisitions returns requisitions of an organization, optionally
// narrowed to a single creator, newest first.
func (r *PostgresRepository) ListFuelRequisitions(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID) ([]model.FuelRequisition, error) {
	query := `SELECT ` + fuelColumns + ` FROM fuel_requisitions WHERE organization_id = $1`
	args := []any{orgID}
	if createdBy != nil {
		query += ` AND created_by = $2`
		args = append(args, *createdBy)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select fuel requisitions: %w", err)
	}
	defer rows.Close()

	var res []model.FuelRequisition
	for rows.Next() {
		f, err := scanFuelRequisition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func scanFuelRequisition(row pgx.Row) (*model.FuelRequisition, error) {
	var f model.FuelRequisition
	var status string
	err := row.Scan(&f.ID, &f.OrganizationID, &f.CreatedBy, &f.VehicleID, &f.ContractID, &f.SupplierID, &status,
		&f.RequestedLiters100, &f.ValidatedLiters100, &f.ActualLiters100, &f.PriceCentavos,
		&f.RISNumber, &f.RefNumber, &f.InvoiceNumber, &f.ReceiptSubmittedAt, &f.ReturnReason,
		&f.ValidatorID, &f.IssuerID, &f.VerifierID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: fuel requisition", ErrNotFound)
		}
		return nil, fmt.Errorf("scan fuel requisition: %w", err)
	}
	f.Status = model.FuelStatus(status)
	return &f, nil
}

// EditFuelRequisition updates creator-editable fields while the requisition
// is still editable.
func (r *PostgresRepository) EditFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, vehicleID uuid.UUID, requestedLiters100 int64, refNumber *string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET vehicle_id = $1, requested_liters100 = $2, ref_number = $3, updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		vehicleID, requestedLiters100, refNumber, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("edit fuel requisition: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "fuel_requisitions", id)
	}
	return nil
}

// ValidateFuelRequisition records EMD validation: the contract binding and
// the validated volume. It serves both the initial validation and the
// in-place correction while the requisition stays EMD_VALIDATED.
func (r *PostgresRepository) ValidateFuelRequisition(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, contractID, supplierID uuid.UUID, validatedLiters100 int64, validatorID uuid.UUID) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET status = $1, contract_id = $2, supplier_id = $3, validated_liters100 = $4, validator_id = $5, updated_at = now()
		 WHERE id = $6 AND updated_at = $7`,
		string(model.FuelStatusEMDValidated), contractID, supplierID, validatedLiters100, validatorID, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("validate fuel requisition: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "fuel_requisitions", id)
	}
	return nil
}

// SetFuelStatus moves a requisition to a new status, recording a return
// reason when one applies.
func (r *PostgresRepository) SetFuelStatus(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, status model.FuelStatus, reason *string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET status = $1, return_reason = $2, updated_at = now()
		 WHERE id = $3 AND updated_at = $4`,
		string(status), reason, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set fuel status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "fuel_requisitions", id)
	}
	return nil
}

// IssueRIS assigns a RIS number in a single transaction, with the same
// three-way uniqueness check and counter ratchet as trip ticket serials.
func (r *PostgresRepository) IssueRIS(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, risNumber string, issuerID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT organization_id FROM fuel_requisitions WHERE id = $1`, id).Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: fuel requisition", ErrNotFound)
		}
		return fmt.Errorf("select requisition org: %w", err)
	}

	inUse, err := controlNumberInUse(ctx, tx, orgID, risNumber, nil)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s", ErrControlNumberConflict, risNumber)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET status = $1, ris_number = $2, issuer_id = $3, updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		string(model.FuelStatusRISIssued), risNumber, issuerID, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("issue ris: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, tx, "fuel_requisitions", id)
	}

	if err := ratchetCounter(ctx, tx, orgID, risNumber); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SubmitReceipt records the purchase receipt uploaded by the creator.
func (r *PostgresRepository) SubmitReceipt(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, actualLiters100 int64, invoiceNumber string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET status = $1, actual_liters100 = $2, invoice_number = $3, receipt_submitted_at = now(), updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		string(model.FuelStatusReceiptSubmitted), actualLiters100, invoiceNumber, id, loadedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("submit receipt: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return resolveCASMiss(ctx, r.pool, "fuel_requisitions", id)
	}
	return nil
}

// VerifyAndDeduct completes a requisition and charges its contract in one
// transaction: the compare-and-swap completion, the locked balance
// read-modify-write and the immutable transaction append cannot be torn
// apart by a concurrent verifier. The unique requisition_id index backstops
// the one-shot guarantee.
func (r *PostgresRepository) VerifyAndDeduct(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64, verifierID uuid.UUID) (*model.ContractTransaction, error) {
	var txn *model.ContractTransaction
	err := r.withRetry(ctx, func() error {
		var err error
		txn, err = r.verifyAndDeductOnce(ctx, id, loadedUpdatedAt, priceCentavos, verifierID)
		return err
	})
	return txn, err
}

func (r *PostgresRepository) verifyAndDeductOnce(ctx context.Context, id uuid.UUID, loadedUpdatedAt time.Time, priceCentavos int64, verifierID uuid.UUID) (*model.ContractTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var contractID uuid.UUID
	var actualLiters100 *int64
	err = tx.QueryRow(ctx,
		`SELECT contract_id, actual_liters100 FROM fuel_requisitions WHERE id = $1`, id,
	).Scan(&contractID, &actualLiters100)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: fuel requisition", ErrNotFound)
		}
		return nil, fmt.Errorf("select requisition: %w", err)
	}
	if actualLiters100 == nil {
		return nil, fmt.Errorf("requisition has no submitted receipt volume")
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE fuel_requisitions
		 SET status = $1, price_centavos = $2, verifier_id = $3, updated_at = now()
		 WHERE id = $4 AND updated_at = $5`,
		string(model.FuelStatusCompleted), priceCentavos, verifierID, id, loadedUpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("complete requisition: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, resolveCASMiss(ctx, tx, "fuel_requisitions", id)
	}

	// Lock the contract row so concurrent deductions against the same
	// contract serialize on the balance.
	var balanceBefore int64
	err = tx.QueryRow(ctx,
		`SELECT remaining_centavos FROM contracts WHERE id = $1 FOR UPDATE`, contractID,
	).Scan(&balanceBefore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: contract", ErrNotFound)
		}
		return nil, fmt.Errorf("lock contract: %w", err)
	}

	d := ledger.Compute(balanceBefore, *actualLiters100, priceCentavos)

	txn := &model.ContractTransaction{
		ContractID:        contractID,
		RequisitionID:     id,
		AmountCentavos:    d.AmountCentavos,
		Liters100:         *actualLiters100,
		PriceCentavos:     priceCentavos,
		BalanceBefore:     d.BalanceBefore,
		BalanceAfter:      d.BalanceAfter,
		ShortfallCentavos: d.ShortfallCentavos,
		CreatedBy:         verifierID,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO contract_transactions
		 (contract_id, requisition_id, amount_centavos, liters100, price_centavos, balance_before, balance_after, shortfall_centavos, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		txn.ContractID, txn.RequisitionID, txn.AmountCentavos, txn.Liters100, txn.PriceCentavos,
		txn.BalanceBefore, txn.BalanceAfter, txn.ShortfallCentavos, txn.CreatedBy,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: requisition %s", ErrDuplicateDeduction, id)
		}
		return nil, fmt.Errorf("insert contract transaction: %w", err)
	}

	if d.Exhausted {
		_, err = tx.Exec(ctx,
			`UPDATE contracts SET remaining_centavos = $1, status = $2, exhausted_at = now(), updated_at = now()
			 WHERE id = $3`,
			d.BalanceAfter, string(model.ContractStatusExhausted), contractID,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE contracts SET remaining_centavos = $1, updated_at = now() WHERE id = $2`,
			d.BalanceAfter, contractID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update contract balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return txn, nil
}

// ── Contracts ────────────────────────────────────────────────────────────

const contractColumns = `id, organization_id, supplier_id, contract_number, total_centavos,
	remaining_centavos, status, exhausted_at, created_at, updated_at`

// CreateContract inserts a contract with its full balance remaining.
func (r *PostgresRepository) CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO contracts (organization_id, supplier_id, contract_number, total_centavos, remaining_centavos)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+contractColumns,
		c.OrganizationID, c.SupplierID, c.ContractNumber, c.TotalCentavos,
	)
	return scanContract(row)
}

// GetContract returns a contract by id.
func (r *PostgresRepository) GetContract(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	return scanContract(r.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id,
	))
}

// ListContracts returns the contracts of an organization.
func (r *PostgresRepository) ListContracts(ctx context.Context, orgID uuid.UUID) ([]model.Contract, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE organization_id = $1 ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("select contracts: %w", err)
	}
	defer rows.Close()

	var res []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var status string
	err := row.Scan(&c.ID, &c.OrganizationID, &c.SupplierID, &c.ContractNumber, &c.TotalCentavos,
		&c.RemainingCentavos, &status, &c.ExhaustedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: contract", ErrNotFound)
		}
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	c.Status = model.ContractStatus(status)
	return &c, nil
}

// ListContractTransactions returns the transaction chain of a contract in
// creation order.
func (r *PostgresRepository) ListContractTransactions(ctx context.Context, contractID uuid.UUID) ([]model.ContractTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, contract_id, requisition_id, amount_centavos, liters100, price_centavos,
		        balance_before, balance_after, shortfall_centavos, created_by, created_at
		 FROM contract_transactions
		 WHERE contract_id = $1
		 ORDER BY created_at`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("select contract transactions: %w", err)
	}
	defer rows.Close()

	var res []model.ContractTransaction
	for rows.Next() {
		var t model.ContractTransaction
		if err := rows.Scan(&t.ID, &t.ContractID, &t.RequisitionID, &t.AmountCentavos, &t.Liters100,
			&t.PriceCentavos, &t.BalanceBefore, &t.BalanceAfter, &t.ShortfallCentavos,
			&t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contract transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ── Control numbers ──────────────────────────────────────────────────────

// ReserveControlNumber atomically bumps the per-(organization, prefix, year)
// counter and records the reservation, optionally linked to a ticket. The
// upsert-bump and the reservation insert share one transaction so a crash
// cannot leak a half-issued number.
func (r *PostgresRepository) ReserveControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int, ticketID *uuid.UUID) (*model.SerialReservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO serial_counters (organization_id, prefix, year, last_seq)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (organization_id, prefix, year)
		 DO UPDATE SET last_seq = serial_counters.last_seq + 1
		 RETURNING last_seq`,
		orgID, prefix, year,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("bump serial counter: %w", err)
	}

	res := &model.SerialReservation{
		OrganizationID: orgID,
		ControlNumber:  serial.Format(prefix, year, seq),
		Status:         model.ReservationStatusReserved,
		TicketID:       ticketID,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO serial_reservations (organization_id, control_number, status, ticket_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		res.OrganizationID, res.ControlNumber, string(res.Status), res.TicketID,
	).Scan(&res.ID, &res.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrControlNumberConflict, res.ControlNumber)
		}
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

// NextControlNumber atomically bumps the counter and returns the formatted
// number without recording a reservation. Used when the number is stamped
// onto its document in the same operation; the counter's monotonicity keeps
// later auto-suggestions from colliding with it.
func (r *PostgresRepository) NextControlNumber(ctx context.Context, orgID uuid.UUID, prefix string, year int) (string, error) {
	var seq int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO serial_counters (organization_id, prefix, year, last_seq)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (organization_id, prefix, year)
		 DO UPDATE SET last_seq = serial_counters.last_seq + 1
		 RETURNING last_seq`,
		orgID, prefix, year,
	).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("bump serial counter: %w", err)
	}
	return serial.Format(prefix, year, seq), nil
}

// querier is the subset of pgx shared by the pool and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// controlNumberInUse performs the three-way uniqueness check: issued trip
// ticket serials, issued RIS numbers and active reservations. A reservation
// linked to excludeTicket does not count against that same ticket.
func controlNumberInUse(ctx context.Context, q querier, orgID uuid.UUID, number string, excludeTicket *uuid.UUID) (bool, error) {
	var inUse bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM trip_tickets
		    WHERE organization_id = $1 AND serial_number = $2
		 ) OR EXISTS (
		    SELECT 1 FROM fuel_requisitions
		    WHERE organization_id = $1 AND ris_number = $2
		 ) OR EXISTS (
		    SELECT 1 FROM serial_reservations
		    WHERE organization_id = $1 AND control_number = $2
		      AND ($3::uuid IS NULL OR ticket_id IS DISTINCT FROM $3::uuid)
		 )`,
		orgID, number, excludeTicket,
	).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check control number: %w", err)
	}
	return inUse, nil
}

// ratchetCounter advances the counter to at least the sequence embedded in
// a manually typed number so future auto-suggestions never collide with it.
func ratchetCounter(ctx context.Context, q querier, orgID uuid.UUID, number string) error {
	prefix, year, seq, err := serial.Parse(number)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO serial_counters (organization_id, prefix, year, last_seq)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization_id, prefix, year)
		 DO UPDATE SET last_seq = GREATEST(serial_counters.last_seq, EXCLUDED.last_seq)`,
		orgID, prefix, year, seq,
	)
	if err != nil {
		return fmt.Errorf("ratchet serial counter: %w", err)
	}
	return nil
}

// resolveCASMiss distinguishes a stale write from a missing entity after a
// compare-and-swap update touched zero rows.
func resolveCASMiss(ctx context.Context, q querier, table string, id uuid.UUID) error {
	var exists bool
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("resolve stale write: %w", err)
	}
	if exists {
		return ErrStaleWrite
	}
	return fmt.Errorf("%w: %s", ErrNotFound, table)
}

// ── Notifications and audit ──────────────────────────────────────────────

// CreateNotification appends a notification record.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *model.Notification) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (organization_id, target_role, entity_kind, entity_id, message)
		 VALUES ($1, $2, $3, $4, $5)`,
		n.OrganizationID, string(n.TargetRole), n.EntityKind, n.EntityID, n.Message,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// CreateAuditEntry appends an audit record.
func (r *PostgresRepository) CreateAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (organization_id, actor_id, action, entity_kind, entity_id, status_before, status_after)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.OrganizationID, e.ActorID, e.Action, e.EntityKind, e.EntityID, e.StatusBefore, e.StatusAfter,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
