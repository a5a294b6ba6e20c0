// DFU SPI NOR bootloader host harness
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

// Command bootloader assembles components A-E against a real spidev node,
// for development and integration testing off the board: the USB side
// still has to come from a host-side DFU tool driving libusbgadget or
// similar, this harness only wires up the flash path and runs the writer's
// cooperative tick loop on a fixed period in place of an interrupt.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/usbarmory/dfu-spi-bootloader/dbuf"
	"github.com/usbarmory/dfu-spi-bootloader/dfu"
	"github.com/usbarmory/dfu-spi-bootloader/flash"
	"github.com/usbarmory/dfu-spi-bootloader/internal/diag"
	"github.com/usbarmory/dfu-spi-bootloader/internal/simspi"
	"github.com/usbarmory/dfu-spi-bootloader/spi"
	"github.com/usbarmory/dfu-spi-bootloader/writer"
	"github.com/usbarmory/dfu-spi-bootloader/zone"
)

const tag = "bootloader"

var (
	bus        = flag.Int("bus", 0, "spidev bus number")
	csInternal = flag.Int("cs-internal", 0, "chip select for the internal flash")
	csCart     = flag.Int("cs-cart", 1, "chip select for the cart flash")
	speedHz    = flag.Uint("speed", 20_000_000, "SPI clock rate in Hz")
	eraseSize  = flag.Uint("erase-size", 4096, "erase granularity; only 4096 is currently supported")
)

// devReboot logs and exits the harness instead of actually resetting the
// host running it.
type devReboot struct{}

func (devReboot) Reboot() {
	diag.Fatal(tag, "reboot requested, exiting")
}

// noopVendor rejects every vendor request: this harness has no product
// specific side channel to expose.
type noopVendor struct{}

func (noopVendor) Handle(req dfu.Request, scratch [2]*[dbuf.PageSize]byte) dfu.Result {
	return dfu.Result{Disposition: dfu.Continue}
}

func main() {
	flag.Parse()

	if err := zone.Default.Validate(); err != nil {
		diag.Fatal(tag, "zone table: %v", err)
	}

	internal, err := simspi.Open(*bus, *csInternal, uint32(*speedHz))
	if err != nil {
		diag.Fatal(tag, "open internal flash: %v", err)
	}
	defer internal.Close()

	cart, err := simspi.Open(*bus, *csCart, uint32(*speedHz))
	if err != nil {
		diag.Fatal(tag, "open cart flash: %v", err)
	}
	defer cart.Close()

	xport := spi.New(&dualController{internal: internal, cart: cart})

	cs := map[zone.Chip]int{
		zone.Internal: 0,
		zone.Cart:     1,
	}

	flashDrv := flash.New(xport, cs)
	flashDrv.Wake()

	buf := &dbuf.Buffer{}
	reboot := devReboot{}

	w, err := writer.New(flashDrv, buf, reboot, uint32(*eraseSize))
	if err != nil {
		diag.Fatal(tag, "writer: %v", err)
	}

	core := dfu.New(0, zone.Default, buf, w, flashDrv, reboot, noopVendor{})
	core.StateChange(true)

	clock := newSystemClock()
	diag.Printf(tag, "ready at t=%dms, state=%s", clock.Now(), core.State())

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		w.Tick()
	}

	os.Exit(0)
}

// dualController multiplexes spi.Controller across two independently
// opened spidev nodes, selected by the chip select index package flash
// passes through Select/Deselect/Exchange.
type dualController struct {
	internal *simspi.Device
	cart     *simspi.Device
	active   int
}

func (d *dualController) Select(cs int) {
	d.active = cs
}

func (d *dualController) Deselect(cs int) {}

func (d *dualController) Exchange(out byte) byte {
	if d.active == 1 {
		return d.cart.Exchange(out)
	}
	return d.internal.Exchange(out)
}
