// Package wire implements the persistent, bidirectional agent<->control
// session: multiplexed RPC over a websocket connection plus an
// application-level heartbeat carried on native ping/pong control frames.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// pingHeader is the 11-byte ASCII prefix carried by every heartbeat payload.
const pingHeader = "snops-agent"

// pingPayloadLen is the full ping/pong control-frame payload length:
// header + 4-byte sequence + 8-byte microsecond uptime.
const pingPayloadLen = len(pingHeader) + 4 + 8

// buildPingPayload encodes a heartbeat payload for sequence seq at the given
// uptime.
func buildPingPayload(seq uint32, uptime time.Duration) []byte {
	buf := make([]byte, pingPayloadLen)
	copy(buf, pingHeader)
	binary.LittleEndian.PutUint32(buf[len(pingHeader):], seq)
	binary.LittleEndian.PutUint64(buf[len(pingHeader)+4:], uint64(uptime.Microseconds()))
	return buf
}

// parsePingPayload validates and decodes a heartbeat payload, returning its
// sequence and uptime.
func parsePingPayload(payload []byte) (seq uint32, uptime time.Duration, err error) {
	if len(payload) != pingPayloadLen {
		return 0, 0, fmt.Errorf("invalid heartbeat payload length %d, want %d", len(payload), pingPayloadLen)
	}
	if string(payload[:len(pingHeader)]) != pingHeader {
		return 0, 0, fmt.Errorf("invalid heartbeat payload header")
	}
	seq = binary.LittleEndian.Uint32(payload[len(pingHeader):])
	micros := binary.LittleEndian.Uint64(payload[len(pingHeader)+4:])
	return seq, time.Duration(micros) * time.Microsecond, nil
}
