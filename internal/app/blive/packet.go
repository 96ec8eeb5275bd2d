/*
Package blive implements the client side of the bilibili live danmaku protocol.

This file handles the binary packet framing: a 16-byte big-endian header
followed by the body, with protocol-version-2 bodies carrying a zlib-compressed
stream of further packets.
*/
package blive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire operations.
const (
	OpHeartbeat      = 2
	OpHeartbeatReply = 3
	OpNotification   = 5
	OpAuth           = 7
	OpAuthReply      = 8
)

// Protocol versions.
const (
	verPlain   = 0
	verPopular = 1
	verDeflate = 2
)

const packetHeaderLen = 16

// packet is one decoded protocol frame.
type packet struct {
	Version   uint16
	Operation uint32
	Body      []byte
}

// encodePacket frames a body with the protocol header. The sequence field is
// fixed to 1; the server does not check it.
func encodePacket(op uint32, body []byte) []byte {
	buf := make([]byte, packetHeaderLen+len(body))

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], packetHeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], verPlain)
	binary.BigEndian.PutUint32(buf[8:12], op)
	binary.BigEndian.PutUint32(buf[12:16], 1)
	copy(buf[packetHeaderLen:], body)

	return buf
}

// decodePackets walks a websocket message containing one or more concatenated
// packets, inflating version-2 bodies into their inner packets.
func decodePackets(data []byte) ([]packet, error) {
	var packets []packet

	for len(data) > 0 {
		if len(data) < packetHeaderLen {
			return packets, fmt.Errorf("truncated packet header: %d bytes", len(data))
		}

		totalLen := binary.BigEndian.Uint32(data[0:4])
		headerLen := binary.BigEndian.Uint16(data[4:6])
		version := binary.BigEndian.Uint16(data[6:8])
		op := binary.BigEndian.Uint32(data[8:12])

		if int(totalLen) > len(data) || headerLen < packetHeaderLen || int(headerLen) > int(totalLen) {
			return packets, fmt.Errorf("invalid packet framing: total=%d header=%d buffered=%d", totalLen, headerLen, len(data))
		}

		body := data[headerLen:totalLen]

		if version == verDeflate {
			inflated, err := inflate(body)
			if err != nil {
				return packets, fmt.Errorf("inflate packet body: %w", err)
			}

			inner, err := decodePackets(inflated)
			packets = append(packets, inner...)
			if err != nil {
				return packets, err
			}
		} else {
			packets = append(packets, packet{
				Version:   version,
				Operation: op,
				Body:      body,
			})
		}

		data = data[totalLen:]
	}

	return packets, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
