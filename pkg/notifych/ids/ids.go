// Package ids holds the identifiers shared across the notify-event control plane.
package ids

import "fmt"

// ElementType distinguishes the kind of service element an ElementFqId refers to.
type ElementType uint8

const (
	ElementInvalid ElementType = 0
	ElementEvent   ElementType = 1
	ElementField   ElementType = 2
)

func (t ElementType) String() string {
	switch t {
	case ElementEvent:
		return "Event"
	case ElementField:
		return "Field"
	default:
		return "Invalid"
	}
}

// ElementFqId fully-qualifies a service element: which service, which instance,
// which element within the service, and what kind of element it is.
//
// Equality and ordering only consider ServiceID/InstanceID/ElementID: ElementType
// is not part of identity, it only describes the payload.
type ElementFqId struct {
	ServiceID   uint16
	ElementID   uint8
	InstanceID  uint16
	ElementType ElementType
}

// ElementIdentity is the canonical, hashable identity of a service element:
// (ServiceID, InstanceID, ElementID) only. This is the type that must be
// used as a map key anywhere an ElementFqId needs to be looked up by
// identity — using ElementFqId itself as a map key would let ElementType
// leak into Go's built-in `==`, silently splitting one service element
// into two map buckets.
type ElementIdentity struct {
	ServiceID  uint16
	InstanceID uint16
	ElementID  uint8
}

// Identity extracts e's canonical, ElementType-independent identity.
func (e ElementFqId) Identity() ElementIdentity {
	return ElementIdentity{ServiceID: e.ServiceID, InstanceID: e.InstanceID, ElementID: e.ElementID}
}

// Equal reports identity equality, ignoring ElementType.
func (e ElementFqId) Equal(other ElementFqId) bool {
	return e.Identity() == other.Identity()
}

// Less gives a total order over ElementFqId, ignoring ElementType, used when an
// implementation wants a sorted-map-like structure instead of a hash map.
func (e ElementFqId) Less(other ElementFqId) bool {
	if e.ServiceID != other.ServiceID {
		return e.ServiceID < other.ServiceID
	}
	if e.InstanceID != other.InstanceID {
		return e.InstanceID < other.InstanceID
	}
	return e.ElementID < other.ElementID
}

func (e ElementFqId) String() string {
	return fmt.Sprintf("ElementFqId{S:%d, E:%d, I:%d, T:%s}", e.ServiceID, e.ElementID, e.InstanceID, e.ElementType)
}

func (i ElementIdentity) String() string {
	return fmt.Sprintf("ElementIdentity{S:%d, I:%d, E:%d}", i.ServiceID, i.InstanceID, i.ElementID)
}

// QualityType selects one of the two parallel control-plane lanes.
type QualityType uint8

const (
	QualityInvalid QualityType = 0
	QualityAsilQM  QualityType = 1
	QualityAsilB   QualityType = 2
)

func (q QualityType) String() string {
	switch q {
	case QualityAsilQM:
		return "QM"
	case QualityAsilB:
		return "ASIL_B"
	default:
		return "Invalid"
	}
}

// NodeID is a process-level identifier, sized like POSIX pid_t.
type NodeID int32
