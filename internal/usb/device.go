// Package usb owns the raw transport to the Carlinkit dongle: device
// discovery, interface claim, bulk endpoint IO, reset, and a hot-plug
// watcher. Everything above it deals in frames; this package deals in
// bytes and libusb handles.
package usb

import (
	"fmt"
	"log/slog"

	"github.com/google/gousb"
)

// VendorID is the Carlinkit vendor id.
const VendorID gousb.ID = 0x1314

// ProductIDs lists the known dongle product ids.
var ProductIDs = []gousb.ID{0x1520, 0x1521}

// DeviceInfo identifies an opened dongle.
type DeviceInfo struct {
	VID          gousb.ID
	PID          gousb.ID
	Serial       string
	Manufacturer string
	Product      string
	FwVersion    string
}

// Device is an opened, claimed dongle: one USB handle and one bulk
// endpoint pair. A Device is exclusively owned by its session.
type Device struct {
	log  *slog.Logger
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	info DeviceInfo
}

// Open finds the first attached dongle and opens it. Returns ErrNoDevice
// when none of the known product ids is on the bus.
func Open(ctx *gousb.Context, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, pid := range ProductIDs {
		dev, err := ctx.OpenDeviceWithVIDPID(VendorID, pid)
		if err != nil {
			return nil, classify("open", err)
		}
		if dev == nil {
			continue
		}
		if err := dev.SetAutoDetach(true); err != nil {
			log.Warn("auto-detach not available", "error", err)
		}
		d := &Device{
			log: log.With("component", "usb"),
			dev: dev,
			info: DeviceInfo{
				VID:       VendorID,
				PID:       pid,
				FwVersion: bcdVersion(uint16(dev.Desc.Device)),
			},
		}
		d.readStrings()
		d.log.Info("dongle opened",
			"pid", fmt.Sprintf("%04x", uint16(pid)),
			"serial", d.info.Serial,
			"fw", d.info.FwVersion,
		)
		return d, nil
	}
	return nil, ErrNoDevice
}

// readStrings fills in the descriptor strings. Failures are tolerated;
// some firmware revisions omit them.
func (d *Device) readStrings() {
	if s, err := d.dev.SerialNumber(); err == nil {
		d.info.Serial = s
	}
	if s, err := d.dev.Manufacturer(); err == nil {
		d.info.Manufacturer = s
	}
	if s, err := d.dev.Product(); err == nil {
		d.info.Product = s
	}
}

// Info returns the device identity.
func (d *Device) Info() DeviceInfo {
	return d.info
}

// Claim takes the vendor interface and resolves its bulk endpoint pair.
func (d *Device) Claim() error {
	cfg, err := d.dev.Config(1)
	if err != nil {
		return classify("config", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return classify("claim", err)
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			intf.Close()
			cfg.Close()
			return classify("endpoint", err)
		}
	}
	if in == nil || out == nil {
		intf.Close()
		cfg.Close()
		return ErrNoEndpoints
	}

	d.cfg = cfg
	d.intf = intf
	d.in = in
	d.out = out
	d.log.Debug("interface claimed", "in", in.Desc.Number, "out", out.Desc.Number)
	return nil
}

// Read fills p from the bulk-in endpoint, blocking until data arrives.
func (d *Device) Read(p []byte) (int, error) {
	if d.in == nil {
		return 0, ErrClosed
	}
	n, err := d.in.Read(p)
	if err != nil {
		return n, classify("read", err)
	}
	return n, nil
}

// Write pushes p to the bulk-out endpoint, returning once the transfer
// completes.
func (d *Device) Write(p []byte) (int, error) {
	if d.out == nil {
		return 0, ErrClosed
	}
	n, err := d.out.Write(p)
	if err != nil {
		return n, classify("write", err)
	}
	return n, nil
}

// Reset performs a USB port reset. A "no device" response mid-call counts
// as success: the reset forced a re-enumeration, which is the point.
func (d *Device) Reset() error {
	err := d.dev.Reset()
	if err != nil && isGone(err) {
		d.log.Debug("device re-enumerated during reset")
		return nil
	}
	return classify("reset", err)
}

// Close releases the interface and handle. Safe to call more than once.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
		d.in = nil
		d.out = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		err := d.dev.Close()
		d.dev = nil
		if err != nil && !isGone(err) {
			return classify("close", err)
		}
	}
	return nil
}

// bcdVersion renders a bcdDevice word as the firmware "M.mm" string.
func bcdVersion(bcd uint16) string {
	return fmt.Sprintf("%x.%02x", bcd>>8, bcd&0xFF)
}

// Present reports whether any known dongle is currently enumerable. It
// inspects descriptors only; no device is opened.
func Present(ctx *gousb.Context) bool {
	found := false
	devs, _ := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == VendorID {
			for _, pid := range ProductIDs {
				if desc.Product == pid {
					found = true
				}
			}
		}
		return false
	})
	for _, dev := range devs {
		dev.Close()
	}
	return found
}
