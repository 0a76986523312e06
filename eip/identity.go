package eip

import (
	"context"
	"encoding/binary"
	"fmt"

	"fieldgate/driver"
)

const (
	svcGetAttributesAll byte = 0x01
	classIdentity       byte = 0x01
)

// Identity is the controller's Identity Object (class 0x01).
type Identity struct {
	VendorID     uint16 `json:"vendor_id"`
	DeviceType   uint16 `json:"device_type"`
	ProductCode  uint16 `json:"product_code"`
	Revision     string `json:"revision"`
	Status       uint16 `json:"status"`
	SerialNumber uint32 `json:"serial_number"`
	ProductName  string `json:"product_name"`
}

// Identify reads the Identity Object via Get Attributes All.
func (d *Driver) Identify(ctx context.Context) (*Identity, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	req := cipRequest(svcGetAttributesAll, classInstancePath(classIdentity, 1), nil)
	raw, err := client.Transact(req)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	if err := resp.err("identify"); err != nil {
		return nil, err
	}
	return parseIdentity(resp.data)
}

// parseIdentity decodes the fixed attribute layout: vendor, device
// type, product code, revision major/minor, status word, serial, then
// a SHORT_STRING product name.
func parseIdentity(data []byte) (*Identity, error) {
	if len(data) < 15 {
		return nil, fmt.Errorf("identity payload too short: %d bytes", len(data))
	}
	id := &Identity{
		VendorID:     binary.LittleEndian.Uint16(data[0:2]),
		DeviceType:   binary.LittleEndian.Uint16(data[2:4]),
		ProductCode:  binary.LittleEndian.Uint16(data[4:6]),
		Revision:     fmt.Sprintf("%d.%d", data[6], data[7]),
		Status:       binary.LittleEndian.Uint16(data[8:10]),
		SerialNumber: binary.LittleEndian.Uint32(data[10:14]),
	}
	nameLen := int(data[14])
	if 15+nameLen <= len(data) {
		id.ProductName = string(data[15 : 15+nameLen])
	}
	return id, nil
}
