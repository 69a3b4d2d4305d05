package host

import (
	"context"
	"errors"
	"time"

	"github.com/google/gousb"

	"github.com/nxdthost/nxdt-host/obslog"
)

// ErrNoBulkEndpoints is returned when a matching device's active
// configuration lacks a bulk IN or a bulk OUT endpoint.
var ErrNoBulkEndpoints = errors.New("host: no bulk IN/OUT endpoint pair found")

// Open polls for a console running nxdumptool (spec §4.1): it enumerates
// connected USB devices, matches VID/PID and the DarkMatterCore manufacturer
// string, resets and configures the device, claims interface 0, and resolves
// its bulk endpoints. It retries every 100ms until a match is found or ctx
// is cancelled.
func Open(ctx context.Context, log *obslog.Logger) (*Device, error) {
	usbCtx := gousb.NewContext()

	dev, err := findDevice(ctx, usbCtx, log)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}
	if dev == nil {
		usbCtx.Close()
		return nil, ctx.Err()
	}
	return dev, nil
}

func findDevice(ctx context.Context, usbCtx *gousb.Context, log *obslog.Logger) (*Device, error) {
	log.Info(obslog.ComponentHost, "waiting for console")

	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		dev, err := tryOpenMatch(usbCtx, log)
		if err != nil {
			log.Debug(obslog.ComponentHost, "enumeration attempt failed", "error", err)
		}
		if dev != nil {
			return dev, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(enumerateRetryInterval):
		}
	}
}

// tryOpenMatch performs one enumeration sweep, returning the claimed Device
// on the first match or (nil, nil) if nothing matched this sweep.
func tryOpenMatch(usbCtx *gousb.Context, log *obslog.Logger) (*Device, error) {
	var matched *gousb.Device
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == VendorID && uint16(desc.Product) == ProductID
	})
	for _, d := range devs {
		if matched == nil {
			matched = d
			continue
		}
		_ = d.Close()
	}
	if err != nil && matched == nil {
		return nil, err
	}
	if matched == nil {
		return nil, nil
	}

	dev, claimErr := claim(matched, log)
	if claimErr != nil {
		_ = matched.Close()
		return nil, claimErr
	}
	return dev, nil
}

// claim validates the manufacturer string, resets the device, sets
// configuration 1, claims interface 0, and resolves the bulk endpoint pair.
func claim(gd *gousb.Device, log *obslog.Logger) (*Device, error) {
	manufacturer, err := gd.Manufacturer()
	if err != nil || manufacturer != Manufacturer {
		return nil, errors.New("host: manufacturer string mismatch")
	}

	if err := gd.Reset(); err != nil {
		return nil, err
	}

	cfg, err := gd.Config(usbConfigValue)
	if err != nil {
		return nil, err
	}

	intf, err := cfg.Interface(usbInterfaceNumber, 0)
	if err != nil {
		cfg.Close()
		return nil, err
	}

	epInDesc, epOutDesc, err := findBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}

	epIn, err := intf.InEndpoint(epInDesc.Number)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	epOut, err := intf.OutEndpoint(epOutDesc.Number)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	epIn.Timeout = pollInterval
	epOut.Timeout = pollInterval

	bcdMajor := uint8(gd.Desc.Spec >> 8)
	bcdMinor := uint8((gd.Desc.Spec & 0xFF) >> 4)

	log.Info(obslog.ComponentHost, "device claimed",
		"vendorID", uint16(gd.Desc.Vendor),
		"productID", uint16(gd.Desc.Product),
		"maxPacketSize", epInDesc.MaxPacketSize,
		"usbVersion", bcdMajor, bcdMinor)

	return &Device{
		VendorID:      uint16(gd.Desc.Vendor),
		ProductID:     uint16(gd.Desc.Product),
		Manufacturer:  manufacturer,
		BCDUSBMajor:   bcdMajor,
		BCDUSBMinor:   bcdMinor,
		InEndpoint:    uint8(epInDesc.Number),
		OutEndpoint:   uint8(epOutDesc.Number),
		MaxPacketSize: uint16(epInDesc.MaxPacketSize),
		in:            epIn,
		out:           epOut,
		close: func() error {
			intf.Close()
			cfg.Close()
			return gd.Close()
		},
	}, nil
}

// findBulkEndpoints walks the interface's endpoint descriptors for a bulk IN
// and a bulk OUT endpoint. If there are several of one direction, the last
// one listed is used.
func findBulkEndpoints(intf *gousb.Interface) (gousb.EndpointDesc, gousb.EndpointDesc, error) {
	var in, out gousb.EndpointDesc
	var haveIn, haveOut bool

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			in, haveIn = ep, true
		} else {
			out, haveOut = ep, true
		}
	}

	if !haveIn || !haveOut {
		return gousb.EndpointDesc{}, gousb.EndpointDesc{}, ErrNoBulkEndpoints
	}
	return in, out, nil
}
