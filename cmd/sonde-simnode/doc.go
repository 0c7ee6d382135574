// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Sonde-simnode is a software stand-in for an ESP32 field device. It
// connects to a gateway over Socket.IO, reports a random-walk current
// trace via /save frames at a fixed cadence, and obeys the same
// control events real firmware does:
//
//	/stop           pause reporting (sampling continues)
//	/start          resume reporting
//	/reset          clear the min/max/avg window
//	/threshold/set  adjust the alert threshold echoed in readings
//
// By default the node relies on /save auto-identification through the
// payload's deviceId; --identify sends an explicit identify frame
// with metadata instead. Useful for exercising a pipeline without
// hardware:
//
//	sonde-simnode --gateway http://127.0.0.1:3000 --device bench-1 --interval 500ms
package main
