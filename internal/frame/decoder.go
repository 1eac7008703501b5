package frame

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Source is the byte transport a Decoder reads from.
type Source interface {
	// BytesAvailable reports how many bytes can be read without blocking.
	BytesAvailable() (int, error)
	// ReadByte returns the next byte, blocking up to the transport's timeout.
	ReadByte() (byte, error)
}

// Stats counts decoder outcomes. Values are cumulative.
type Stats struct {
	Frames          uint64 `json:"frames"`
	BadHeaders      uint64 `json:"bad_headers"`
	ChecksumErrors  uint64 `json:"checksum_errors"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
	IncompletePolls uint64 `json:"incomplete_polls"`
}

// Decoder pulls frames one at a time from a Source.
//
// Next never waits for a frame to arrive: it only starts reading once a whole
// frame is buffered. On a header mismatch the bytes already read are dropped
// and no re-scan happens, so the next call starts at the following byte. If
// the first header byte is wrong one byte is consumed; if only the second is
// wrong two are consumed. This keeps byte-for-byte compatibility with the
// sensor's reference driver but can stay misaligned when payload bytes happen
// to look like a header. Enable VerifyChecksum to reject such frames.
type Decoder struct {
	src            Source
	verifyChecksum bool

	frames          atomic.Uint64
	badHeaders      atomic.Uint64
	checksumErrors  atomic.Uint64
	discardedBytes  atomic.Uint64
	incompletePolls atomic.Uint64
}

// NewDecoder returns a Decoder reading from src.
func NewDecoder(src Source, verifyChecksum bool) *Decoder {
	return &Decoder{src: src, verifyChecksum: verifyChecksum}
}

// Next consumes at most one frame and returns its distance.
//
// It returns ErrIncomplete when fewer than Size bytes are buffered,
// ErrBadHeader on a header mismatch and ErrChecksum when checksum
// verification is enabled and fails. Any other error comes from the Source
// and should be treated as fatal.
func (d *Decoder) Next() (uint16, error) {
	n, err := d.src.BytesAvailable()
	if err != nil {
		return 0, fmt.Errorf("failed to query transport: %w", err)
	}
	if n < Size {
		d.incompletePolls.Add(1)
		return 0, ErrIncomplete
	}

	var buf [Size]byte
	for i := 0; i < HeaderSize; i++ {
		b, err := d.src.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("failed to read header byte %d: %w", i, err)
		}
		buf[i] = b
		if b != SyncByte {
			d.badHeaders.Add(1)
			d.discardedBytes.Add(uint64(i + 1))
			return 0, ErrBadHeader
		}
	}

	for i := HeaderSize; i < Size; i++ {
		b, err := d.src.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("failed to read frame byte %d: %w", i, err)
		}
		buf[i] = b
	}

	decode := Decode
	if d.verifyChecksum {
		decode = DecodeChecked
	}
	distance, err := decode(buf[:])
	if err != nil {
		if errors.Is(err, ErrChecksum) {
			d.checksumErrors.Add(1)
			d.discardedBytes.Add(Size)
		}
		return 0, err
	}

	d.frames.Add(1)
	return distance, nil
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:          d.frames.Load(),
		BadHeaders:      d.badHeaders.Load(),
		ChecksumErrors:  d.checksumErrors.Load(),
		DiscardedBytes:  d.discardedBytes.Load(),
		IncompletePolls: d.incompletePolls.Load(),
	}
}
