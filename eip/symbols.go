package eip

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// TagInfo is one entry from the controller's Symbol Object table.
type TagInfo struct {
	Name     string `json:"name"`
	TypeCode uint16 `json:"type_code"`
	TypeName string `json:"type_name"`
	Instance uint32 `json:"instance"`
	IsArray  bool   `json:"is_array,omitempty"`
	IsStruct bool   `json:"is_struct,omitempty"`
}

// ListTags walks the Symbol Object (class 0x6B) with Get Instance
// Attribute List, following partial-transfer continuations. System
// tags (double-underscore prefixed, module-defined) are filtered out.
func (c *Client) ListTags() ([]TagInfo, error) {
	var all []TagInfo
	instance := uint32(0)

	for page := 0; page < 1000; page++ {
		tags, last, more, err := c.listTagsPage(instance)
		if err != nil {
			return nil, err
		}
		all = append(all, tags...)
		if !more || len(tags) == 0 {
			return all, nil
		}
		instance = last + 1
	}
	return all, fmt.Errorf("tag list did not terminate after 1000 pages")
}

func (c *Client) listTagsPage(startInstance uint32) (tags []TagInfo, last uint32, more bool, err error) {
	path := classInstancePath(classSymbolObject, startInstance)

	// Request attributes 1 (symbol name) and 2 (symbol type).
	attrs := []byte{
		0x02, 0x00,
		0x01, 0x00,
		0x02, 0x00,
	}
	raw, err := c.Transact(cipRequest(svcGetInstanceAttrs, path, attrs))
	if err != nil {
		return nil, 0, false, err
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return nil, 0, false, err
	}
	if resp.status != statusSuccess && resp.status != statusPartialTransfer {
		return nil, 0, false, fmt.Errorf("tag list: CIP status 0x%02X", resp.status)
	}
	more = resp.status == statusPartialTransfer

	data := resp.data
	i := 0
	for i+8 <= len(data) {
		instance := binary.LittleEndian.Uint32(data[i:])
		nameLen := int(binary.LittleEndian.Uint16(data[i+4:]))
		i += 6
		if i+nameLen+2 > len(data) {
			break
		}
		name := string(data[i : i+nameLen])
		typeCode := binary.LittleEndian.Uint16(data[i+nameLen:])
		i += nameLen + 2
		last = instance

		if name == "" || instance == 0 || strings.HasPrefix(name, "__") {
			continue
		}
		tags = append(tags, TagInfo{
			Name:     name,
			TypeCode: typeCode,
			TypeName: TypeName(typeCode),
			Instance: instance,
			IsArray:  isArrayType(typeCode),
			IsStruct: isStructType(typeCode),
		})
	}
	return tags, last, more, nil
}
