// USB DFU (class 0xfe, subclass 0x01, protocol 0x02) protocol machine
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dfu implements the DFU 1.1 class request dispatcher and state
// diagram of spec §4.E, coupled to package dbuf's occupancy and package
// writer's progress the way the teacher's soc/nxp/usb package couples its
// Device.Setup callback to endpoint and configuration state.
package dfu

import (
	"github.com/usbarmory/dfu-spi-bootloader/dbuf"
	"github.com/usbarmory/dfu-spi-bootloader/zone"
)

// State is a value from the closed DFU 1.1 state set (spec §3).
type State uint8

const (
	AppIdle State = iota
	AppDetach
	DfuIdle
	DfuDnloadSync
	DfuDnbusy
	DfuDnloadIdle
	DfuManifestSync
	DfuManifest
	DfuManifestWaitReset
	DfuUploadIdle
	DfuError
)

func (s State) String() string {
	switch s {
	case AppIdle:
		return "appIDLE"
	case AppDetach:
		return "appDETACH"
	case DfuIdle:
		return "dfuIDLE"
	case DfuDnloadSync:
		return "dfuDNLOAD_SYNC"
	case DfuDnbusy:
		return "dfuDNBUSY"
	case DfuDnloadIdle:
		return "dfuDNLOAD_IDLE"
	case DfuManifestSync:
		return "dfuMANIFEST_SYNC"
	case DfuManifest:
		return "dfuMANIFEST"
	case DfuManifestWaitReset:
		return "dfuMANIFEST_WAIT_RESET"
	case DfuUploadIdle:
		return "dfuUPLOAD_IDLE"
	case DfuError:
		return "dfuERROR"
	default:
		return "unknown"
	}
}

// Status is the DFU status code reported alongside State in GETSTATUS.
type Status uint8

// Status codes (DFU 1.1 spec, Table 6.2; only the subset this core ever
// reports).
const (
	StatusOK         Status = 0x00
	StatusErrUnknown Status = 0x0e
)

// Control request codes (bRequest), spec §6.
const (
	ReqDetach    uint8 = 0
	ReqDnload    uint8 = 1
	ReqUpload    uint8 = 2
	ReqGetStatus uint8 = 3
	ReqClrStatus uint8 = 4
	ReqGetState  uint8 = 5
	ReqAbort     uint8 = 6
)

// bmRequestType bit layout (USB2.0 Table 9-2).
const (
	reqTypeMask           = 0x60
	reqTypeClass          = 0x20
	reqTypeVendor         = 0x40
	reqRecipientMask      = 0x1f
	reqRecipientInterface = 0x01
)

// pollTimeoutMs is always reported as 5 (spec §4.E).
const pollTimeoutMs = 5

// Request mirrors the USB2.0 Setup Data fields the dispatcher needs.
type Request struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Disposition is the tri-valued result of dispatching a control request,
// per design note 9 ("model this as a three-variant tagged result").
type Disposition int

const (
	// Continue means the request was not ours; the caller should pass it
	// further down its own dispatch chain (standard requests, other
	// interfaces).
	Continue Disposition = iota
	// Success means the request was handled; In/Out/Complete describe
	// how.
	Success
	// Reject means the request was ours but disallowed in the current
	// state; the caller must stall the transfer.
	Reject
)

// CompletionFunc runs once a control transfer's status stage finishes. For
// requests with an OUT data stage (DNLOAD) n is the number of bytes the
// host actually sent; for every other request it is ignored.
type CompletionFunc func(n int)

// Result is what ControlRequest returns to the external USB stack.
type Result struct {
	Disposition Disposition

	// In holds response bytes for an IN data stage (GETSTATUS, GETSTATE,
	// UPLOAD). Success with a nil In and a nil Out acks an empty status
	// stage (DETACH, CLRSTATUS, ABORT).
	In []byte

	// Out, set only for DNLOAD with wLength > 0, is the destination
	// slice the USB stack must fill during the OUT data stage. Its tail
	// beyond the host's wLength is already padded with 0xFF.
	Out []byte

	// Complete, when non-nil, must be invoked by the USB stack once the
	// transfer this Result describes has finished.
	Complete CompletionFunc
}

// Reader is the narrow read path ControlRequest needs for UPLOAD: a
// synchronous flash read, satisfied by *flash.Driver in production.
type Reader interface {
	Read(dst []byte, addr uint32)
}

// Rebooter is the external reboot/reset hook (spec §6).
type Rebooter interface {
	Reboot()
}

// Writer is the subset of *writer.Writer the protocol machine drives
// directly: resetting cursors on SET_INTERFACE, synchronously draining the
// manifest shortcut in GETSTATUS, and reporting progress counters for
// Core.Stats.
type Writer interface {
	Reset(chip zone.Chip, start uint32)
	AddrProg() uint32
	DrainUntilEmpty()
	Counters() (bytesProgrammed, eraseCount, retryExhaustions uint64)
}

// Stats is a read-only progress snapshot, surfaced by Core.Stats for a
// vendor request to report without touching the flash or buffer directly.
type Stats struct {
	BytesProgrammed  uint64
	EraseCount       uint64
	RetryExhaustions uint64
}

// VendorHandler services vendor (type=VENDOR, recipient=INTERFACE)
// requests on the DFU interface, with the full double buffer exposed as
// 8 KiB of scratch space, per spec §4.E.
type VendorHandler interface {
	Handle(req Request, scratch [2]*[dbuf.PageSize]byte) Result
}
