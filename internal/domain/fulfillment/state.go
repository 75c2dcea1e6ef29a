package fulfillment

import "fmt"

// State implements the state pattern for fulfillment transitions.
type State interface {
	Status() Status
	OnInventoryReserved(r *Record, shortfalls map[string]int) (State, error)
	OnLabelPurchased(r *Record, shipmentID, trackingCode, labelURL, carrier, service string) (State, error)
	OnShipmentSkipped(r *Record) (State, error)
	OnNotified(r *Record) (State, error)
	OnFailed(r *Record, reason string) (State, error)
}

func stateFor(s Status) State {
	switch s {
	case StatusInventoryReserved:
		return inventoryReservedState{}
	case StatusLabelPurchased:
		return labelPurchasedState{}
	case StatusNotified:
		return notifiedState{}
	case StatusFailed:
		return failedState{}
	default:
		return pendingState{}
	}
}

func invalid(from Status, event string) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidStateTransition, event, from)
}

func fail(r *Record, reason string) (State, error) {
	r.LastError = reason
	return failedState{}, nil
}

type pendingState struct{}

func (pendingState) Status() Status { return StatusPending }

func (pendingState) OnInventoryReserved(r *Record, shortfalls map[string]int) (State, error) {
	r.mergeShortfalls(shortfalls)
	r.LastError = ""
	return inventoryReservedState{}, nil
}

func (pendingState) OnLabelPurchased(*Record, string, string, string, string, string) (State, error) {
	return nil, invalid(StatusPending, "label_purchased")
}

func (pendingState) OnShipmentSkipped(*Record) (State, error) {
	return nil, invalid(StatusPending, "shipment_skipped")
}

func (pendingState) OnNotified(*Record) (State, error) {
	return nil, invalid(StatusPending, "notified")
}

func (pendingState) OnFailed(r *Record, reason string) (State, error) { return fail(r, reason) }

type inventoryReservedState struct{}

func (inventoryReservedState) Status() Status { return StatusInventoryReserved }

func (inventoryReservedState) OnInventoryReserved(*Record, map[string]int) (State, error) {
	return inventoryReservedState{}, nil
}

func (inventoryReservedState) OnLabelPurchased(r *Record, shipmentID, trackingCode, labelURL, carrier, service string) (State, error) {
	if shipmentID != "" {
		r.ShipmentID = shipmentID
	}
	r.TrackingCode = trackingCode
	r.LabelURL = labelURL
	r.Carrier = carrier
	r.Service = service
	r.LastError = ""
	return labelPurchasedState{}, nil
}

func (inventoryReservedState) OnShipmentSkipped(r *Record) (State, error) {
	r.LastError = ""
	return notifiedState{}, nil
}

func (inventoryReservedState) OnNotified(*Record) (State, error) {
	return nil, invalid(StatusInventoryReserved, "notified")
}

func (inventoryReservedState) OnFailed(r *Record, reason string) (State, error) {
	return fail(r, reason)
}

type labelPurchasedState struct{}

func (labelPurchasedState) Status() Status { return StatusLabelPurchased }

func (labelPurchasedState) OnInventoryReserved(*Record, map[string]int) (State, error) {
	return labelPurchasedState{}, nil
}

func (labelPurchasedState) OnLabelPurchased(*Record, string, string, string, string, string) (State, error) {
	return labelPurchasedState{}, nil
}

func (labelPurchasedState) OnShipmentSkipped(*Record) (State, error) {
	return nil, invalid(StatusLabelPurchased, "shipment_skipped")
}

func (labelPurchasedState) OnNotified(r *Record) (State, error) {
	r.LastError = ""
	return notifiedState{}, nil
}

func (labelPurchasedState) OnFailed(r *Record, reason string) (State, error) {
	return fail(r, reason)
}

type notifiedState struct{}

func (notifiedState) Status() Status { return StatusNotified }

func (notifiedState) OnInventoryReserved(*Record, map[string]int) (State, error) {
	return notifiedState{}, nil
}

func (notifiedState) OnLabelPurchased(*Record, string, string, string, string, string) (State, error) {
	return notifiedState{}, nil
}

func (notifiedState) OnShipmentSkipped(*Record) (State, error) { return notifiedState{}, nil }

func (notifiedState) OnNotified(*Record) (State, error) { return notifiedState{}, nil }

func (notifiedState) OnFailed(*Record, string) (State, error) {
	return nil, invalid(StatusNotified, "failed")
}

type failedState struct{}

func (failedState) Status() Status { return StatusFailed }

func (failedState) OnInventoryReserved(*Record, map[string]int) (State, error) {
	return nil, invalid(StatusFailed, "inventory_reserved")
}

func (failedState) OnLabelPurchased(*Record, string, string, string, string, string) (State, error) {
	return nil, invalid(StatusFailed, "label_purchased")
}

func (failedState) OnShipmentSkipped(*Record) (State, error) {
	return nil, invalid(StatusFailed, "shipment_skipped")
}

func (failedState) OnNotified(*Record) (State, error) {
	return nil, invalid(StatusFailed, "notified")
}

func (failedState) OnFailed(r *Record, reason string) (State, error) { return fail(r, reason) }
