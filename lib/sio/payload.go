// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package sio

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// The polling transport batches packets into one HTTP body using
// Engine.IO v3 string framing: each packet is prefixed with its
// length in characters and a colon. Length counts characters, not
// bytes, matching how JavaScript servers measure string length.

// encodePayload frames packets for a polling response.
func encodePayload(packets []string) string {
	var b strings.Builder
	for _, pkt := range packets {
		b.WriteString(strconv.Itoa(utf8.RuneCountInString(pkt)))
		b.WriteByte(':')
		b.WriteString(pkt)
	}
	return b.String()
}

// decodePayload splits a polling request body into packets.
func decodePayload(body string) ([]string, error) {
	var packets []string
	for len(body) > 0 {
		colon := strings.IndexByte(body, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("payload frame has no length prefix: %.40q", body)
		}
		n, err := strconv.Atoi(body[:colon])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad payload frame length %.40q", body[:colon])
		}
		rest := body[colon+1:]
		end := 0
		for i := 0; i < n; i++ {
			if end >= len(rest) {
				return nil, fmt.Errorf("payload frame truncated: want %d chars, have %d", n, i)
			}
			_, size := utf8.DecodeRuneInString(rest[end:])
			end += size
		}
		packets = append(packets, rest[:end])
		body = rest[end:]
	}
	return packets, nil
}
