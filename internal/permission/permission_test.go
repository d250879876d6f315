package permission

import (
	"testing"

	"github.com/google/uuid"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

var orgA = uuid.New()
var orgB = uuid.New()

func user(role model.Role, org uuid.UUID) *model.User {
	return &model.User{ID: uuid.New(), Role: role, OrganizationID: org, IsActive: true}
}

func TestAuthorizeIdentity(t *testing.T) {
	if Authorize(nil, ActionCreateTripTicket, nil) {
		t.Fatalf("nil actor must not be authorized")
	}

	inactive := user(model.RoleAdmin, orgA)
	inactive.IsActive = false
	if Authorize(inactive, ActionCreateTripTicket, nil) {
		t.Fatalf("inactive actor must not be authorized")
	}
}

func TestAuthorizeRoleMatrix(t *testing.T) {
	tests := []struct {
		name   string
		role   model.Role
		action Action
		want   bool
	}{
		{"driver creates ticket", model.RoleDriver, ActionCreateTripTicket, true},
		{"emd cannot create ticket", model.RoleEMD, ActionCreateTripTicket, false},
		{"spms approves ticket", model.RoleSPMS, ActionApproveTripTicket, true},
		{"driver cannot approve ticket", model.RoleDriver, ActionApproveTripTicket, false},
		{"emd validates fuel", model.RoleEMD, ActionValidateFuel, true},
		{"spms cannot validate fuel", model.RoleSPMS, ActionValidateFuel, false},
		{"spms issues ris", model.RoleSPMS, ActionIssueRIS, true},
		{"emd cannot issue ris", model.RoleEMD, ActionIssueRIS, false},
		{"admin manages contracts", model.RoleAdmin, ActionManageContracts, true},
		{"spms cannot manage contracts", model.RoleSPMS, ActionManageContracts, false},
		{"admin manages fleet", model.RoleAdmin, ActionManageFleet, true},
		{"driver cannot manage fleet", model.RoleDriver, ActionManageFleet, false},
		{"spms reserves serials", model.RoleSPMS, ActionReserveSerial, true},
		{"driver cannot reserve serials", model.RoleDriver, ActionReserveSerial, false},
		{"emd views contracts", model.RoleEMD, ActionViewContract, true},
		{"driver cannot view contracts", model.RoleDriver, ActionViewContract, false},
		{"unknown action denies", model.RoleAdmin, Action("nonexistent"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Authorize(user(tt.role, orgA), tt.action, nil); got != tt.want {
				t.Fatalf("Authorize(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
			}
		})
	}
}

func TestAuthorizeOrganizationScoping(t *testing.T) {
	admin := user(model.RoleAdmin, orgA)

	foreign := &model.TripTicket{OrganizationID: orgB, DriverID: uuid.New()}
	if Authorize(admin, ActionViewTripTicket, foreign) {
		t.Fatalf("cross-organization access must be denied")
	}

	foreignFuel := &model.FuelRequisition{OrganizationID: orgB, CreatedBy: uuid.New()}
	if Authorize(admin, ActionViewRequisition, foreignFuel) {
		t.Fatalf("cross-organization fuel access must be denied")
	}

	foreignContract := &model.Contract{OrganizationID: orgB}
	if Authorize(admin, ActionViewContract, foreignContract) {
		t.Fatalf("cross-organization contract access must be denied")
	}
}

func TestAuthorizeDriverOwnership(t *testing.T) {
	driver := user(model.RoleDriver, orgA)

	own := &model.TripTicket{OrganizationID: orgA, DriverID: driver.ID, Status: model.TripStatusApproved}
	other := &model.TripTicket{OrganizationID: orgA, DriverID: uuid.New(), Status: model.TripStatusApproved}

	if !Authorize(driver, ActionViewTripTicket, own) {
		t.Fatalf("driver must see own ticket")
	}
	if Authorize(driver, ActionViewTripTicket, other) {
		t.Fatalf("driver must not see another driver's ticket")
	}
	if !Authorize(driver, ActionStartTrip, own) {
		t.Fatalf("driver must start own trip")
	}
	if Authorize(driver, ActionStartTrip, other) {
		t.Fatalf("driver must not start another driver's trip")
	}

	spms := user(model.RoleSPMS, orgA)
	if !Authorize(spms, ActionViewTripTicket, other) {
		t.Fatalf("spms must see any ticket in the organization")
	}
}

func TestAuthorizeFuelEditWindow(t *testing.T) {
	driver := user(model.RoleDriver, orgA)

	editable := &model.FuelRequisition{OrganizationID: orgA, CreatedBy: driver.ID, Status: model.FuelStatusPendingEMD}
	returned := &model.FuelRequisition{OrganizationID: orgA, CreatedBy: driver.ID, Status: model.FuelStatusReturned}
	validated := &model.FuelRequisition{OrganizationID: orgA, CreatedBy: driver.ID, Status: model.FuelStatusEMDValidated}
	foreign := &model.FuelRequisition{OrganizationID: orgA, CreatedBy: uuid.New(), Status: model.FuelStatusPendingEMD}

	if !Authorize(driver, ActionEditRequisition, editable) {
		t.Fatalf("creator must edit pending requisition")
	}
	if !Authorize(driver, ActionEditRequisition, returned) {
		t.Fatalf("creator must edit returned requisition")
	}
	if Authorize(driver, ActionEditRequisition, validated) {
		t.Fatalf("validated requisition must be locked for the creator")
	}
	if Authorize(driver, ActionEditRequisition, foreign) {
		t.Fatalf("driver must not edit another driver's requisition")
	}
}

func TestAuthorizeValidationWindow(t *testing.T) {
	emd := user(model.RoleEMD, orgA)

	pending := &model.FuelRequisition{OrganizationID: orgA, Status: model.FuelStatusPendingEMD}
	validated := &model.FuelRequisition{OrganizationID: orgA, Status: model.FuelStatusEMDValidated}
	issued := &model.FuelRequisition{OrganizationID: orgA, Status: model.FuelStatusRISIssued}

	if !Authorize(emd, ActionValidateFuel, pending) {
		t.Fatalf("emd must validate pending requisition")
	}
	if !Authorize(emd, ActionValidateFuel, validated) {
		t.Fatalf("emd must correct a validated requisition in place")
	}
	if Authorize(emd, ActionValidateFuel, issued) {
		t.Fatalf("validation must be locked once RIS is issued")
	}
}
