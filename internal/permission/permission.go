// Package permission decides whether an actor may perform an action on a
// resource. All checks are pure functions over in-memory values: no I/O, no
// hidden state, and a nil or inactive actor is simply authorized for nothing.
package permission

import (
	"errors"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

// ErrUnauthorized is returned by callers when Authorize denies an action.
var ErrUnauthorized = errors.New("action not permitted")

// Action names one permission-gated operation.
type Action string

const (
	ActionCreateTripTicket   Action = "trip_ticket.create"
	ActionViewTripTicket     Action = "trip_ticket.view"
	ActionApproveTripTicket  Action = "trip_ticket.approve"
	ActionRejectTripTicket   Action = "trip_ticket.reject"
	ActionStartTrip          Action = "trip_ticket.start"
	ActionCompleteTrip       Action = "trip_ticket.complete"
	ActionCreateRequisition  Action = "fuel_requisition.create"
	ActionViewRequisition    Action = "fuel_requisition.view"
	ActionEditRequisition    Action = "fuel_requisition.edit"
	ActionResubmit           Action = "fuel_requisition.resubmit"
	ActionValidateFuel       Action = "fuel_requisition.validate"
	ActionReturnRequisition  Action = "fuel_requisition.return"
	ActionRejectRequisition  Action = "fuel_requisition.reject"
	ActionIssueRIS           Action = "fuel_requisition.issue_ris"
	ActionReleaseRIS         Action = "fuel_requisition.release_ris"
	ActionVoidRIS            Action = "fuel_requisition.void_ris"
	ActionSubmitReceipt      Action = "fuel_requisition.submit_receipt"
	ActionReturnReceipt      Action = "fuel_requisition.return_receipt"
	ActionVerifyReceipt      Action = "fuel_requisition.verify_receipt"
	ActionManageContracts    Action = "contract.manage"
	ActionManageFleet        Action = "fleet.manage"
	ActionViewContract       Action = "contract.view"
	ActionReserveSerial      Action = "serial.reserve"
	ActionRenderTripTicket   Action = "trip_ticket.render"
	ActionRenderRequisition  Action = "fuel_requisition.render"
)

// tripTicketMatrix lists the roles allowed to perform each trip ticket
// action regardless of resource state. Ownership and organization scoping
// are applied on top of it.
var tripTicketMatrix = map[Action][]model.Role{
	ActionCreateTripTicket:  {model.RoleDriver, model.RoleAdmin},
	ActionViewTripTicket:    {model.RoleDriver, model.RoleSPMS, model.RoleAdmin},
	ActionApproveTripTicket: {model.RoleSPMS, model.RoleAdmin},
	ActionRejectTripTicket:  {model.RoleSPMS, model.RoleAdmin},
	ActionStartTrip:         {model.RoleDriver, model.RoleAdmin},
	ActionCompleteTrip:      {model.RoleDriver, model.RoleAdmin},
	ActionRenderTripTicket:  {model.RoleDriver, model.RoleSPMS, model.RoleAdmin},
}

// fuelMatrix lists the roles allowed per fuel requisition action. Edit
// permissions are further restricted by requisition status and ownership in
// Authorize.
var fuelMatrix = map[Action][]model.Role{
	ActionCreateRequisition: {model.RoleDriver, model.RoleAdmin},
	ActionViewRequisition:   {model.RoleDriver, model.RoleEMD, model.RoleSPMS, model.RoleAdmin},
	ActionEditRequisition:   {model.RoleDriver, model.RoleAdmin},
	ActionResubmit:          {model.RoleDriver, model.RoleAdmin},
	ActionValidateFuel:      {model.RoleEMD, model.RoleAdmin},
	ActionReturnRequisition: {model.RoleEMD, model.RoleAdmin},
	ActionRejectRequisition: {model.RoleEMD, model.RoleAdmin},
	ActionIssueRIS:          {model.RoleSPMS, model.RoleAdmin},
	ActionReleaseRIS:        {model.RoleSPMS, model.RoleAdmin},
	ActionVoidRIS:           {model.RoleSPMS, model.RoleAdmin},
	ActionSubmitReceipt:     {model.RoleDriver, model.RoleAdmin},
	ActionReturnReceipt:     {model.RoleEMD, model.RoleAdmin},
	ActionVerifyReceipt:     {model.RoleEMD, model.RoleAdmin},
	ActionRenderRequisition: {model.RoleDriver, model.RoleEMD, model.RoleSPMS, model.RoleAdmin},
}

var generalMatrix = map[Action][]model.Role{
	ActionManageContracts: {model.RoleAdmin},
	ActionManageFleet:     {model.RoleAdmin},
	ActionViewContract:    {model.RoleEMD, model.RoleSPMS, model.RoleAdmin},
	ActionReserveSerial:   {model.RoleSPMS, model.RoleAdmin},
}

// editableFuelStatuses are the only states in which the creator may still
// edit a requisition.
var editableFuelStatuses = map[model.FuelStatus]bool{
	model.FuelStatusPendingEMD: true,
	model.FuelStatusReturned:   true,
}

// validatableFuelStatuses are the states in which EMD may set validated
// liters: initial validation plus correction-in-place.
var validatableFuelStatuses = map[model.FuelStatus]bool{
	model.FuelStatusPendingEMD:   true,
	model.FuelStatusEMDValidated: true,
}

// Authorize reports whether actor may perform action on the given resource.
// A nil resource means the action is not bound to a particular entity
// (creation, standalone reservation). Authorize never returns an error:
// absence of identity is equivalent to zero permissions.
func Authorize(actor *model.User, action Action, resource any) bool {
	if actor == nil || !actor.IsActive {
		return false
	}

	switch res := resource.(type) {
	case nil:
		return roleAllowed(actor.Role, action)
	case *model.TripTicket:
		if res == nil {
			return roleAllowed(actor.Role, action)
		}
		return authorizeTripTicket(actor, action, res)
	case *model.FuelRequisition:
		if res == nil {
			return roleAllowed(actor.Role, action)
		}
		return authorizeFuelRequisition(actor, action, res)
	case *model.Contract:
		if res == nil {
			return roleAllowed(actor.Role, action)
		}
		if res.OrganizationID != actor.OrganizationID {
			return false
		}
		return roleAllowed(actor.Role, action)
	default:
		return false
	}
}

func authorizeTripTicket(actor *model.User, action Action, t *model.TripTicket) bool {
	if t.OrganizationID != actor.OrganizationID {
		return false
	}
	if !roleAllowed(actor.Role, action) {
		return false
	}

	switch action {
	case ActionViewTripTicket, ActionRenderTripTicket:
		// spms/admin see any ticket in their organization; drivers only
		// their own.
		if actor.Role == model.RoleDriver {
			return t.DriverID == actor.ID
		}
		return true
	case ActionStartTrip, ActionCompleteTrip:
		if actor.Role == model.RoleDriver {
			return t.DriverID == actor.ID
		}
		return true
	default:
		return true
	}
}

func authorizeFuelRequisition(actor *model.User, action Action, f *model.FuelRequisition) bool {
	if f.OrganizationID != actor.OrganizationID {
		return false
	}
	if !roleAllowed(actor.Role, action) {
		return false
	}

	switch action {
	case ActionViewRequisition, ActionRenderRequisition:
		if actor.Role == model.RoleDriver {
			return f.CreatedBy == actor.ID
		}
		return true
	case ActionEditRequisition:
		if !editableFuelStatuses[f.Status] {
			return false
		}
		if actor.Role == model.RoleDriver {
			return f.CreatedBy == actor.ID
		}
		return true
	case ActionResubmit, ActionSubmitReceipt:
		if actor.Role == model.RoleDriver {
			return f.CreatedBy == actor.ID
		}
		return true
	case ActionValidateFuel:
		return validatableFuelStatuses[f.Status]
	default:
		return true
	}
}

func roleAllowed(role model.Role, action Action) bool {
	roles, ok := tripTicketMatrix[action]
	if !ok {
		if roles, ok = fuelMatrix[action]; !ok {
			if roles, ok = generalMatrix[action]; !ok {
				return false
			}
		}
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
