package eip

import (
	"encoding/binary"
	"fmt"
)

const maxServicesPerPacket = 200

// buildMultiService packs several CIP requests into one Multiple
// Service Packet (0x0A) addressed at the Message Router.
func buildMultiService(requests [][]byte) ([]byte, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("multi-service: no requests")
	}
	if len(requests) > maxServicesPerPacket {
		return nil, fmt.Errorf("multi-service: %d requests exceeds maximum %d", len(requests), maxServicesPerPacket)
	}

	headerSize := 2 + len(requests)*2
	data := binary.LittleEndian.AppendUint16(nil, uint16(len(requests)))
	offset := uint16(headerSize)
	for _, req := range requests {
		data = binary.LittleEndian.AppendUint16(data, offset)
		offset += uint16(len(req))
	}
	for _, req := range requests {
		data = append(data, req...)
	}

	// Message Router: class 0x02, instance 1.
	return cipRequest(svcMultipleService, classInstancePath(0x02, 1), data), nil
}

// parseMultiService splits a Multiple Service Packet response body into
// the embedded per-service responses, in request order.
func parseMultiService(data []byte) ([]*cipResponse, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("multi-service response too short")
	}
	count := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+count*2 {
		return nil, fmt.Errorf("multi-service response truncated at offsets")
	}

	offsets := make([]int, count)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+i*2:]))
	}

	out := make([]*cipResponse, 0, count)
	for i, off := range offsets {
		end := len(data)
		if i+1 < count {
			end = offsets[i+1]
		}
		if off < 0 || off > end || end > len(data) {
			return nil, fmt.Errorf("multi-service response: bad offset %d for service %d", off, i)
		}
		r, err := parseCIPResponse(data[off:end])
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
