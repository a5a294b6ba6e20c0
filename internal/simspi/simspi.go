// Linux spidev-backed SPI controller
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

// Package simspi implements spi.Controller against a Linux /dev/spidevB.C
// device node, so the bootloader's flash and writer packages can be
// exercised end to end on a development host wired to a real NOR chip
// instead of the board's bare-metal ECSPI peripheral.
//
// Bus addressing (chip select -> device node) is left to the caller: each
// simspi.Device owns exactly one node, matching the one-node-per-line
// model of the spidev driver.
package simspi

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic     = 'k'
	iocWrite  = 1
	dirShift  = 30
	typeShift = 8
	sizeShift = 16
)

func iow(nr, size uintptr) uintptr {
	return (iocWrite << dirShift) | (magic << typeShift) | (nr << 0) | (size << sizeShift)
}

var (
	iocMode        = iow(1, 1)
	iocBitsPerWord = iow(3, 1)
	iocMaxSpeedHz  = iow(4, 4)
)

// transfer mirrors struct spi_ioc_transfer (linux/spi/spidev.h) on a
// 64-bit host.
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	pad         uint16
}

const transferSize = unsafe.Sizeof(transfer{})

func iocMessage(n int) uintptr {
	return iow(0, uintptr(n)*transferSize)
}

// Device is a single spidev node opened in full-duplex mode.
type Device struct {
	f       *os.File
	speedHz uint32
}

// Open opens busNumber/chipSelect as exposed by devfs (/dev/spidevB.C) and
// configures mode 0, 8 bits per word and the given clock rate.
func Open(busNumber, chipSelect int, speedHz uint32) (*Device, error) {
	path := fmt.Sprintf("/dev/spidev%d.%d", busNumber, chipSelect)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("simspi: open %s: %w", path, err)
	}

	d := &Device{f: f, speedHz: speedHz}

	if err := d.ioctlSetInt(iocMode, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("simspi: set mode: %w", err)
	}

	if err := d.ioctlSetInt(iocBitsPerWord, 8); err != nil {
		f.Close()
		return nil, fmt.Errorf("simspi: set bits per word: %w", err)
	}

	if err := d.ioctlSetInt(iocMaxSpeedHz, uintptr(speedHz)); err != nil {
		f.Close()
		return nil, fmt.Errorf("simspi: set max speed: %w", err)
	}

	return d, nil
}

func (d *Device) ioctlSetInt(req, val uintptr) error {
	v := val
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Close releases the underlying device node.
func (d *Device) Close() error {
	return d.f.Close()
}

// Select is a no-op: spidev asserts chip select for the duration of each
// SPI_IOC_MESSAGE ioctl, so there is no separate assert step to perform.
func (d *Device) Select(cs int) {}

// Deselect is a no-op for the same reason.
func (d *Device) Deselect(cs int) {}

// Exchange satisfies spi.Controller by round-tripping a single byte
// through one spidev transfer. This is intentionally simple -- one ioctl
// per byte -- because package spi already chunks transfers logically;
// a production build would batch Chunk.Buffer into a single
// spi_ioc_transfer instead, traded off here for a direct, auditable
// mapping onto spi.Controller's byte-at-a-time contract.
func (d *Device) Exchange(out byte) byte {
	tx := out
	var rx byte

	t := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx))),
		len:         1,
		speedHz:     d.speedHz,
		bitsPerWord: 8,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), iocMessage(1), uintptr(unsafe.Pointer(&t)))
	if errno != 0 {
		panic(fmt.Sprintf("simspi: SPI_IOC_MESSAGE: %v", errno))
	}

	return rx
}
