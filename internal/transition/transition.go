// Package transition holds the declarative status transition tables for
// trip tickets and fuel requisitions. An edge absent from a table is
// illegal for everyone; terminal states have no outgoing edges at all.
package transition

import (
	"fmt"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

// IllegalTransitionError reports a requested edge that is not present in
// the transition table for the acting role.
type IllegalTransitionError struct {
	From string
	To   string
	Role model.Role
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for role %s", e.From, e.To, e.Role)
}

type edge struct {
	from string
	to   string
}

// tripEdges enumerates every legal trip ticket transition with the roles
// allowed to take it. Ownership checks live in the permission engine.
var tripEdges = map[edge][]model.Role{
	{string(model.TripStatusPendingApproval), string(model.TripStatusApproved)}: {model.RoleSPMS, model.RoleAdmin},
	{string(model.TripStatusPendingApproval), string(model.TripStatusRejected)}: {model.RoleSPMS, model.RoleAdmin},
	{string(model.TripStatusApproved), string(model.TripStatusInProgress)}:      {model.RoleDriver, model.RoleAdmin},
	{string(model.TripStatusApproved), string(model.TripStatusCompleted)}:       {model.RoleDriver, model.RoleAdmin},
	{string(model.TripStatusInProgress), string(model.TripStatusCompleted)}:     {model.RoleDriver, model.RoleAdmin},
}

// fuelEdges enumerates every legal fuel requisition transition. Resubmission
// and receipt upload edges belong to the owning driver; ownership itself is
// enforced by the permission engine.
var fuelEdges = map[edge][]model.Role{
	{string(model.FuelStatusPendingEMD), string(model.FuelStatusEMDValidated)}:       {model.RoleEMD, model.RoleAdmin},
	{string(model.FuelStatusPendingEMD), string(model.FuelStatusReturned)}:           {model.RoleEMD, model.RoleAdmin},
	{string(model.FuelStatusPendingEMD), string(model.FuelStatusRejected)}:           {model.RoleEMD, model.RoleAdmin},
	{string(model.FuelStatusReturned), string(model.FuelStatusPendingEMD)}:           {model.RoleDriver},
	{string(model.FuelStatusEMDValidated), string(model.FuelStatusRISIssued)}:        {model.RoleSPMS, model.RoleAdmin},
	{string(model.FuelStatusRISIssued), string(model.FuelStatusAwaitingReceipt)}:     {model.RoleSPMS, model.RoleAdmin},
	{string(model.FuelStatusRISIssued), string(model.FuelStatusCancelled)}:           {model.RoleSPMS, model.RoleAdmin},
	{string(model.FuelStatusRISIssued), string(model.FuelStatusReceiptSubmitted)}:    {model.RoleDriver},
	{string(model.FuelStatusAwaitingReceipt), string(model.FuelStatusReceiptSubmitted)}: {model.RoleDriver},
	{string(model.FuelStatusReceiptSubmitted), string(model.FuelStatusReceiptReturned)}: {model.RoleEMD, model.RoleAdmin},
	{string(model.FuelStatusReceiptSubmitted), string(model.FuelStatusCompleted)}:       {model.RoleEMD, model.RoleAdmin},
	{string(model.FuelStatusReceiptReturned), string(model.FuelStatusReceiptSubmitted)}: {model.RoleDriver},
}

// CanTransitionTrip reports whether role may move a trip ticket from one
// status to another.
func CanTransitionTrip(from, to model.TripTicketStatus, role model.Role) bool {
	return roleOnEdge(tripEdges, string(from), string(to), role)
}

// CanTransitionFuel reports whether role may move a fuel requisition from
// one status to another.
func CanTransitionFuel(from, to model.FuelStatus, role model.Role) bool {
	return roleOnEdge(fuelEdges, string(from), string(to), role)
}

// CheckTrip returns an IllegalTransitionError when the trip ticket edge is
// not legal for the role, nil otherwise.
func CheckTrip(from, to model.TripTicketStatus, role model.Role) error {
	if CanTransitionTrip(from, to, role) {
		return nil
	}
	return &IllegalTransitionError{From: string(from), To: string(to), Role: role}
}

// CheckFuel returns an IllegalTransitionError when the fuel requisition
// edge is not legal for the role, nil otherwise.
func CheckFuel(from, to model.FuelStatus, role model.Role) error {
	if CanTransitionFuel(from, to, role) {
		return nil
	}
	return &IllegalTransitionError{From: string(from), To: string(to), Role: role}
}

// NextTripStates lists the trip ticket statuses reachable from the given
// status by the given role.
func NextTripStates(from model.TripTicketStatus, role model.Role) []model.TripTicketStatus {
	var res []model.TripTicketStatus
	for e, roles := range tripEdges {
		if e.from != string(from) {
			continue
		}
		if containsRole(roles, role) {
			res = append(res, model.TripTicketStatus(e.to))
		}
	}
	return res
}

// NextFuelStates lists the fuel requisition statuses reachable from the
// given status by the given role.
func NextFuelStates(from model.FuelStatus, role model.Role) []model.FuelStatus {
	var res []model.FuelStatus
	for e, roles := range fuelEdges {
		if e.from != string(from) {
			continue
		}
		if containsRole(roles, role) {
			res = append(res, model.FuelStatus(e.to))
		}
	}
	return res
}

func roleOnEdge(table map[edge][]model.Role, from, to string, role model.Role) bool {
	roles, ok := table[edge{from, to}]
	if !ok {
		return false
	}
	return containsRole(roles, role)
}

func containsRole(roles []model.Role, role model.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
