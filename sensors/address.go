// Package sensors caches the identities and latest readings of the
// temperature sensors on the device's bus.
package sensors

import (
	"encoding/hex"
	"strings"
)

// Address is the 8-byte ROM code of a 1-Wire device: family code, 48-bit
// serial (least significant byte first) and CRC.
type Address [8]byte

// String returns the canonical sensor id, 16 lowercase hex characters.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// ParseAddress decodes up to 16 hex characters into an Address. It is
// deliberately lenient: missing bytes are zero and pairs that are not valid
// hex decode to zero, so any token maps to some canonical id.
func ParseAddress(s string) Address {
	var a Address
	s = strings.ToLower(strings.TrimSpace(s))
	for i := 0; i < len(a) && 2*i+1 < len(s); i++ {
		b, err := hex.DecodeString(s[2*i : 2*i+2])
		if err == nil {
			a[i] = b[0]
		}
	}
	return a
}

// CRC8 computes the Dallas/Maxim 1-Wire CRC (polynomial x^8+x^5+x^4+1).
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			b >>= 1
		}
	}
	return crc
}

// Valid reports whether the trailing CRC byte matches the first seven.
func (a Address) Valid() bool {
	return CRC8(a[:7]) == a[7]
}
