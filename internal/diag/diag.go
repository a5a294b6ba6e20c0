// Ambient logging
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag is the bootloader's single logging surface: a thin wrapper
// over log.Printf with the "pkg: message" prefix convention the teacher
// uses throughout its soc and board packages.
package diag

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

// Printf logs a line tagged with the emitting package's name.
func Printf(pkg, format string, args ...interface{}) {
	std.Printf(pkg+": "+format, args...)
}

// Fatal logs a line tagged with pkg and terminates the process. It is used
// for unrecoverable startup failures (malformed zone table, missing SPI
// device) and by cmd/bootloader's reboot hook, which ends the harness.
func Fatal(pkg, format string, args ...interface{}) {
	std.Fatalf(pkg+": "+format, args...)
}
