package oracle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"prizedraw/internal/errs"
)

// SuccessMarker prefixes every successful oracle response.
var SuccessMarker = []byte{0x15, 0x1f, 0x7c, 0x75}

const headerLen = 6 // marker + uint16 length prefix

// EncodeEnvelope wraps payload in a success envelope.
func EncodeEnvelope(payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	copy(out, SuccessMarker)
	binary.BigEndian.PutUint16(out[4:headerLen], uint16(len(payload)))
	copy(out[headerLen:], payload)
	return out
}

// DecodeEnvelope checks the marker and length prefix and returns the payload.
// An empty payload is not an error here; the resolver decides what it means.
func DecodeEnvelope(raw []byte) ([]byte, error) {
	if len(raw) < headerLen {
		return nil, errs.ErrOracleInvalid
	}
	if !bytes.Equal(raw[:4], SuccessMarker) {
		return nil, errs.ErrOracleInvalid
	}
	n := int(binary.BigEndian.Uint16(raw[4:headerLen]))
	if len(raw)-headerLen != n {
		return nil, errs.ErrOracleInvalid
	}
	return raw[headerLen:], nil
}

// EncodeRound renders a round as the 8-byte big-endian integer the oracle is keyed by.
func EncodeRound(round uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], round)
	return hex.EncodeToString(b[:])
}
