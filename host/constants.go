package host

import "time"

// VendorID and ProductID identify the nxdumptool USB gadget.
const (
	VendorID  = 0x057E
	ProductID = 0x3000
)

// Manufacturer is the authoritative string match; Product is informational
// only and is never compared against.
const (
	Manufacturer = "DarkMatterCore"
	Product      = "nxdumptool"
)

// pollInterval caps every individual bulk transfer attempt so a stop
// request or overall timeout is observed within this latency (spec §4.1).
const pollInterval = 500 * time.Millisecond

// enumerateRetryInterval is the sleep between unsuccessful enumeration
// sweeps.
const enumerateRetryInterval = 100 * time.Millisecond

// usbInterfaceNumber and usbConfigValue are the fixed configuration the
// console is expected to expose.
const (
	usbConfigValue     = 1
	usbInterfaceNumber = 0
)
