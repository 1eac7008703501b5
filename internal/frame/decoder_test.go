package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(distance uint16) []byte {
	f := Encode(distance, 0)
	return f[:]
}

func TestDecoder_ConsumesExactlyOneFrame(t *testing.T) {
	src := &byteSource{data: append(frameBytes(0x0102), frameBytes(0x0304)...)}
	d := NewDecoder(src, false)

	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), got)
	assert.Len(t, src.data, Size)

	got, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0304), got)
	assert.Empty(t, src.data)

	assert.Equal(t, uint64(2), d.Stats().Frames)
}

func TestDecoder_IncompleteConsumesNothing(t *testing.T) {
	src := &byteSource{data: frameBytes(7)[:Size-1]}
	d := NewDecoder(src, false)

	_, err := d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Len(t, src.data, Size-1)
	assert.Equal(t, uint64(1), d.Stats().IncompletePolls)
}

func TestDecoder_BadHeaderConsumption(t *testing.T) {
	t.Run("first byte wrong drops one byte", func(t *testing.T) {
		data := append([]byte{0x00}, frameBytes(42)...)
		src := &byteSource{data: data}
		d := NewDecoder(src, false)

		_, err := d.Next()
		assert.ErrorIs(t, err, ErrBadHeader)
		assert.Len(t, src.data, Size)

		got, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(42), got)

		stats := d.Stats()
		assert.Equal(t, uint64(1), stats.BadHeaders)
		assert.Equal(t, uint64(1), stats.DiscardedBytes)
	})

	t.Run("second byte wrong drops two bytes", func(t *testing.T) {
		data := append([]byte{SyncByte, 0x01}, frameBytes(43)...)
		src := &byteSource{data: data}
		d := NewDecoder(src, false)

		_, err := d.Next()
		assert.ErrorIs(t, err, ErrBadHeader)
		assert.Len(t, src.data, Size)
		assert.Equal(t, uint64(2), d.Stats().DiscardedBytes)

		got, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(43), got)
	})

	t.Run("no rescan inside a misaligned frame", func(t *testing.T) {
		// Stream starts mid-frame on the second sync byte: the decoder
		// pairs it with the distance low byte and drops both.
		full := frameBytes(0x0505)
		src := &byteSource{data: append(full[1:], frameBytes(6)...)}
		d := NewDecoder(src, false)

		_, err := d.Next()
		assert.ErrorIs(t, err, ErrBadHeader)
		assert.Len(t, src.data, Size-1+Size-2)
	})
}

func TestDecoder_Checksum(t *testing.T) {
	bad := frameBytes(100)
	bad[8] ^= 0xff
	data := append(append([]byte{}, bad...), frameBytes(200)...)

	t.Run("disabled", func(t *testing.T) {
		d := NewDecoder(&byteSource{data: append([]byte{}, data...)}, false)
		got, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(100), got)
	})

	t.Run("enabled", func(t *testing.T) {
		src := &byteSource{data: append([]byte{}, data...)}
		d := NewDecoder(src, true)
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrChecksum)
		assert.Len(t, src.data, Size)

		got, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(200), got)

		stats := d.Stats()
		assert.Equal(t, uint64(1), stats.ChecksumErrors)
		assert.Equal(t, uint64(Size), stats.DiscardedBytes)
		assert.Equal(t, uint64(1), stats.Frames)
	})
}

func TestDecoder_TransportErrors(t *testing.T) {
	ioErr := errors.New("device unplugged")

	d := NewDecoder(&byteSource{availErr: ioErr}, false)
	_, err := d.Next()
	assert.ErrorIs(t, err, ioErr)
	assert.NotErrorIs(t, err, ErrIncomplete)

	d = NewDecoder(&byteSource{data: frameBytes(1), readErr: ioErr}, false)
	_, err = d.Next()
	assert.ErrorIs(t, err, ioErr)
}
