// Package mac implements the 802.15.4 association protocol: the
// device-side state machine that acquires a short address and the
// coordinator-side manager that allocates them.
package mac

// Capability is the capability-information byte carried in an association
// request.
type Capability uint8

const (
	CapAlternatePANCoord Capability = 1 << 0
	CapFullFunctionDevice Capability = 1 << 1
	CapMainsPowered       Capability = 1 << 2
	CapRxOnWhenIdle       Capability = 1 << 3
	CapSecurityCapable    Capability = 1 << 6
	CapAllocateAddress    Capability = 1 << 7
)

// RouterCapability is the typical capability byte of a mains-powered
// router.
func RouterCapability() Capability {
	return CapFullFunctionDevice | CapMainsPowered | CapRxOnWhenIdle | CapAllocateAddress
}

// EndDeviceCapability is the typical capability byte of a battery-powered
// sleepy end device.
func EndDeviceCapability() Capability {
	return CapAllocateAddress
}

// IsFFD reports whether the device is a full-function device.
func (c Capability) IsFFD() bool { return c&CapFullFunctionDevice != 0 }

// RxOnWhenIdle reports whether the device keeps its receiver on.
func (c Capability) RxOnWhenIdle() bool { return c&CapRxOnWhenIdle != 0 }
