/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Device location and imported-device data model, spec.md §3
 */

package usbip

import "fmt"

// DeviceLocation identifies a remote device: the stub host, its service
// (TCP port, numeric or symbolic), and the busid on that host. Immutable
// once a Session is created from it
type DeviceLocation struct {
	Host    string
	Service string
	BusID   string
}

// String renders a DeviceLocation the way log lines and the CLI "list"
// output want it: host:service/busid
func (l DeviceLocation) String() string {
	return fmt.Sprintf("%s:%s/%s", l.Host, l.Service, l.BusID)
}

// Speed enumerates USB link speeds carried in usb_device.speed
type Speed uint32

// Speeds, matching the USB/IP wire encoding
const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

// String returns a short speed name
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super+"
	}
	return "unknown"
}

// ImportedDevice describes a device bound to a hub port, spec.md §3.
// Created on successful handshake, destroyed on port reclaim
type ImportedDevice struct {
	Location DeviceLocation
	Port     int // >= 1
	DevID    uint32
	Speed    Speed
	Vendor   uint16
	Product  uint16

	// Fields carried from usb_device for completeness, not consumed
	// by the core but useful to the "plug" collaborator and to
	// CLI listing
	BCdDevice       uint16
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	NumConfigs      uint8
	NumInterfaces   uint8
	ConfigValue     uint8
	RemotePath      string
	RemoteBusID     string
	RemoteBusNum    uint32
	RemoteDevNum    uint32
}
