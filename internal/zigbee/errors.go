package zigbee

import "errors"

// Stack error taxonomy. Operations return these wrapped with context;
// callers match with errors.Is.
var (
	ErrFormFailed               = errors.New("zigbee: network formation failed")
	ErrJoinFailed               = errors.New("zigbee: join failed")
	ErrNoNetworkFound           = errors.New("zigbee: no network found")
	ErrSecurityFailure          = errors.New("zigbee: security failure")
	ErrTransmissionFailed       = errors.New("zigbee: transmission failed")
	ErrInvalidParameter         = errors.New("zigbee: invalid parameter")
	ErrDeviceNotFound           = errors.New("zigbee: device not found")
	ErrBindingFailed            = errors.New("zigbee: binding failed")
	ErrRouteDiscoveryFailed     = errors.New("zigbee: route discovery failed")
	ErrRouteDiscoveryInProgress = errors.New("zigbee: route discovery in progress")
	ErrAssociationInProgress    = errors.New("zigbee: association in progress")
	ErrAssociationFailed        = errors.New("zigbee: association failed")
	ErrPanAtCapacity            = errors.New("zigbee: pan at capacity")
	ErrAccessDenied             = errors.New("zigbee: access denied")
	ErrTimeout                  = errors.New("zigbee: timeout")
	ErrInvalidState             = errors.New("zigbee: invalid state")
	ErrStorageError             = errors.New("zigbee: storage error")
	ErrStorageNotInitialized    = errors.New("zigbee: storage not initialized")
)
