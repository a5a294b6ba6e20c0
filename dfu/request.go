// Request-gating table
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import "github.com/usbarmory/dfu-spi-bootloader/bits"

// allowed is the static per-state bitmask of permitted bRequest values
// (spec §4.E). Unlisted states permit nothing.
var allowed = map[State]uint32{
	AppIdle:         mask(ReqDetach, ReqGetStatus, ReqGetState),
	AppDetach:       mask(ReqGetStatus, ReqGetState),
	DfuIdle:         mask(ReqDetach, ReqDnload, ReqUpload, ReqGetStatus, ReqGetState, ReqAbort),
	DfuDnloadSync:   mask(ReqDnload, ReqGetStatus, ReqGetState, ReqAbort),
	DfuDnloadIdle:   mask(ReqDnload, ReqGetStatus, ReqGetState, ReqAbort),
	DfuManifestSync: mask(ReqGetStatus, ReqGetState, ReqAbort),
	DfuUploadIdle:   mask(ReqUpload, ReqGetStatus, ReqGetState, ReqAbort),
	DfuError:        mask(ReqGetStatus, ReqClrStatus, ReqGetState),
}

func mask(reqs ...uint8) uint32 {
	var m uint32

	for _, r := range reqs {
		bits.Set(&m, int(r))
	}

	return m
}

func isAllowed(state State, req uint8) bool {
	m, ok := allowed[state]
	if !ok {
		return false
	}

	return bits.Get(&m, int(req))
}
