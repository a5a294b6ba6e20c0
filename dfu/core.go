// DFU protocol machine core
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import (
	"fmt"

	"github.com/usbarmory/dfu-spi-bootloader/dbuf"
	"github.com/usbarmory/dfu-spi-bootloader/zone"
)

// Core is the single process-wide aggregate of spec §3's data model: DFU
// state, address cursors and the selected zone. It is owned and passed by
// reference into every callback the external USB stack invokes, rather
// than kept as package-global mutable state (spec §9) -- the cooperative
// single-thread model makes the distinction cosmetic, but the
// ownership-by-reference shape keeps aliasing explicit.
type Core struct {
	intf  uint8
	zones zone.Table

	buf    *dbuf.Buffer
	writer Writer
	reader Reader
	reboot Rebooter
	vendor VendorHandler

	state  State
	status Status

	addrRecv uint32
	addrRead uint32
	addrEnd  uint32

	altSetting uint8
}

// New returns a Core for the given interface number, flash zone table and
// collaborators. Initial state is appDETACH per spec §3.
func New(intf uint8, zones zone.Table, buf *dbuf.Buffer, w Writer, r Reader, reboot Rebooter, vendor VendorHandler) *Core {
	return &Core{
		intf:   intf,
		zones:  zones,
		buf:    buf,
		writer: w,
		reader: r,
		reboot: reboot,
		vendor: vendor,
		state:  AppDetach,
		status: StatusOK,
	}
}

// State returns the current DFU state.
func (c *Core) State() State {
	return c.state
}

// Status returns the current DFU status.
func (c *Core) Status() Status {
	return c.status
}

// Stats returns a snapshot of the flash writer's progress counters, for a
// vendor request to report over the scratch path (spec §4.E).
func (c *Core) Stats() Stats {
	bp, ec, re := c.writer.Counters()
	return Stats{BytesProgrammed: bp, EraseCount: ec, RetryExhaustions: re}
}

// StateChange notifies the core of a USB device state change. Only the
// CONFIGURED transition matters to DFU: it moves the machine from
// appDETACH to dfuIDLE (spec §3).
func (c *Core) StateChange(configured bool) {
	if configured && c.state == AppDetach {
		c.state = DfuIdle
	}
}

// BusReset implements spec §4.E's bus reset rule: if the machine is not in
// appDETACH, the reboot hook fires.
func (c *Core) BusReset() {
	if c.state != AppDetach {
		c.reboot.Reboot()
	}
}

// SetInterface implements the alternate-setting zone selection of spec
// §4.E: state goes to dfuIDLE, all cursors reset to the zone's start, and
// the flash writer is reassigned to the newly selected chip.
func (c *Core) SetInterface(intf, alt uint8) error {
	if intf != c.intf {
		return fmt.Errorf("dfu: set_interface for interface %d, core owns %d", intf, c.intf)
	}

	z, err := c.zones.Find(alt)
	if err != nil {
		return err
	}

	c.state = DfuIdle
	c.addrRecv = z.Start
	c.addrRead = z.Start
	c.addrEnd = z.End
	c.altSetting = alt

	c.writer.Reset(z.Chip, z.Start)

	return nil
}

// GetInterface returns the currently selected alternate setting.
func (c *Core) GetInterface(intf uint8) (uint8, error) {
	if intf != c.intf {
		return 0, fmt.Errorf("dfu: get_interface for interface %d, core owns %d", intf, c.intf)
	}

	return c.altSetting, nil
}

// ControlRequest dispatches a single control transfer. scratch is the
// double buffer's two pages, exposed whole to vendor requests per spec
// §4.E.
func (c *Core) ControlRequest(req Request, scratch [2]*[dbuf.PageSize]byte) Result {
	if req.Index != uint16(c.intf) {
		return Result{Disposition: Continue}
	}

	if req.RequestType&reqTypeMask == reqTypeVendor && req.RequestType&reqRecipientMask == reqRecipientInterface {
		return c.vendor.Handle(req, scratch)
	}

	if req.RequestType&reqTypeMask != reqTypeClass {
		return Result{Disposition: Continue}
	}

	if !isAllowed(c.state, req.Request) {
		c.state = DfuError
		c.status = StatusErrUnknown
		return Result{Disposition: Reject}
	}

	switch req.Request {
	case ReqDetach:
		return Result{Disposition: Success, Complete: func(int) { c.reboot.Reboot() }}
	case ReqDnload:
		return c.handleDnload(req)
	case ReqUpload:
		return c.handleUpload(req)
	case ReqGetStatus:
		return c.handleGetStatus()
	case ReqClrStatus:
		c.state = DfuIdle
		c.status = StatusOK
		return Result{Disposition: Success}
	case ReqGetState:
		return Result{Disposition: Success, In: []byte{byte(c.state)}}
	case ReqAbort:
		c.state = DfuIdle
		return Result{Disposition: Success}
	default:
		c.state = DfuError
		c.status = StatusErrUnknown
		return Result{Disposition: Reject}
	}
}

func (c *Core) handleDnload(req Request) Result {
	if req.Length == 0 {
		c.state = DfuManifestSync
		return Result{Disposition: Success}
	}

	if c.addrRecv+uint32(req.Length) > c.addrEnd {
		c.state = DfuError
		c.status = StatusErrUnknown
		return Result{Disposition: Reject}
	}

	slot := c.buf.Reserve()

	for i := req.Length; i < dbuf.PageSize; i++ {
		slot[i] = 0xff
	}

	length := req.Length

	return Result{
		Disposition: Success,
		Out:         slot[:],
		Complete: func(int) {
			c.addrRecv += uint32(length)
			c.buf.Commit()
			c.state = DfuDnloadSync
		},
	}
}

func (c *Core) handleUpload(req Request) Result {
	remaining := c.addrEnd - c.addrRead

	n := uint32(req.Length)
	if n > remaining {
		n = remaining
	}

	buf := make([]byte, n)
	c.reader.Read(buf, c.addrRead)
	c.addrRead += n

	return Result{Disposition: Success, In: buf}
}

// handleGetStatus implements spec §4.E's state-reporting rules, including
// the manifest-to-idle shortcut that synchronously drains the writer so a
// fast-polling host tool never has to wait out its own 1-second timeout.
func (c *Core) handleGetStatus() Result {
	reported := c.state

	switch c.state {
	case DfuDnloadSync:
		if c.buf.Used() < 2 {
			c.state = DfuDnloadIdle
			reported = DfuDnloadIdle
		} else {
			reported = DfuDnbusy
		}
	case DfuManifestSync:
		c.state = DfuIdle
		c.writer.DrainUntilEmpty()
		reported = DfuIdle
	}

	payload := []byte{
		byte(c.status),
		pollTimeoutMs, 0x00, 0x00,
		byte(reported),
		0, // iString
	}

	return Result{Disposition: Success, In: payload}
}
