// Package frame decodes the 9-byte distance frames emitted by the sensor.
package frame

import (
	"encoding/binary"
	"errors"
)

/*
Frame layout (9 bytes, little-endian, sensor -> host):

	offset  size  field
	0       1     sync marker 0x59 ('Y')
	1       1     sync marker 0x59 ('Y')
	2       2     distance, raw sensor counts
	4       2     signal strength (unused)
	6       1     reserved (unused)
	7       1     quality (unused)
	8       1     checksum, low byte of sum(bytes 0..7)

Only the header and the distance are interpreted. The checksum is verified
when a Decoder is built with VerifyChecksum; otherwise bytes 4..8 are read
and discarded.
*/
const (
	Size       = 9    // Bytes per frame
	SyncByte   = 0x59 // Value of both header bytes
	HeaderSize = 2    // Number of sync bytes
)

var (
	// ErrIncomplete means fewer than Size bytes are available.
	ErrIncomplete = errors.New("frame: incomplete frame")
	// ErrBadHeader means a header byte did not match SyncByte.
	ErrBadHeader = errors.New("frame: bad header")
	// ErrChecksum means the trailing checksum byte did not match.
	ErrChecksum = errors.New("frame: checksum mismatch")
)

// Decode extracts the distance from a buffered frame. b must hold at least
// Size bytes starting at the first header byte.
func Decode(b []byte) (uint16, error) {
	if len(b) < Size {
		return 0, ErrIncomplete
	}
	if b[0] != SyncByte || b[1] != SyncByte {
		return 0, ErrBadHeader
	}
	return binary.LittleEndian.Uint16(b[2:4]), nil
}

// DecodeChecked is Decode plus checksum verification.
func DecodeChecked(b []byte) (uint16, error) {
	d, err := Decode(b)
	if err != nil {
		return 0, err
	}
	if Checksum(b[:Size-1]) != b[Size-1] {
		return 0, ErrChecksum
	}
	return d, nil
}

// Checksum returns the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode builds a frame carrying distance, with a valid checksum. The
// strength and quality bytes are filled from strength.
func Encode(distance, strength uint16) [Size]byte {
	var f [Size]byte
	f[0], f[1] = SyncByte, SyncByte
	binary.LittleEndian.PutUint16(f[2:4], distance)
	binary.LittleEndian.PutUint16(f[4:6], strength)
	f[8] = Checksum(f[:Size-1])
	return f
}
