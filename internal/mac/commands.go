package mac

import (
	"encoding/binary"
	"fmt"

	"espzb/internal/zigbee"
)

// MAC command identifiers (802.15.4 §7.3).
const (
	CmdAssociationRequest  uint8 = 0x01
	CmdAssociationResponse uint8 = 0x02
	CmdDisassociation      uint8 = 0x03
	CmdDataRequest         uint8 = 0x04
	CmdBeaconRequest       uint8 = 0x07
)

// Association response status codes.
const (
	AssocStatusSuccess       uint8 = 0x00
	AssocStatusPanAtCapacity uint8 = 0x01
	AssocStatusAccessDenied  uint8 = 0x02
)

// EncodeAssociationRequest builds the command payload: command id and
// capability byte.
func EncodeAssociationRequest(cap Capability) []byte {
	return []byte{CmdAssociationRequest, byte(cap)}
}

// DecodeAssociationRequest parses an association-request payload.
func DecodeAssociationRequest(payload []byte) (Capability, error) {
	if len(payload) < 2 || payload[0] != CmdAssociationRequest {
		return 0, fmt.Errorf("mac: not an association request")
	}
	return Capability(payload[1]), nil
}

// EncodeAssociationResponse builds the command payload: command id,
// assigned short address (little-endian) and status.
func EncodeAssociationResponse(short zigbee.ShortAddr, status uint8) []byte {
	out := make([]byte, 4)
	out[0] = CmdAssociationResponse
	binary.LittleEndian.PutUint16(out[1:3], uint16(short))
	out[3] = status
	return out
}

// DecodeAssociationResponse parses an association-response payload.
func DecodeAssociationResponse(payload []byte) (zigbee.ShortAddr, uint8, error) {
	if len(payload) < 4 || payload[0] != CmdAssociationResponse {
		return 0, 0, fmt.Errorf("mac: not an association response")
	}
	return zigbee.ShortAddr(binary.LittleEndian.Uint16(payload[1:3])), payload[3], nil
}

// EncodeDataRequest builds the data-request poll payload.
func EncodeDataRequest() []byte {
	return []byte{CmdDataRequest}
}

// EncodeDisassociation builds the disassociation notification payload.
// Reason 0x02 is "device wishes to leave".
func EncodeDisassociation(reason uint8) []byte {
	return []byte{CmdDisassociation, reason}
}
