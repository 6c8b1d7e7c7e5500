/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Tests for the wire codec
 */

package usbip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOpImport(t *testing.T) {
	buf, err := EncodeOpImport("1-1")
	require.NoError(t, err)
	require.Len(t, buf, opImportSize)

	assert.Equal(t, byte(0x01), buf[0])
	assert.Equal(t, byte(0x11), buf[1])
	assert.Equal(t, byte(0x80), buf[2])
	assert.Equal(t, byte(0x03), buf[3])
	assert.True(t, bytes.HasPrefix(buf[8:], []byte("1-1")))
}

func TestEncodeOpImportBusIDTooLong(t *testing.T) {
	long := make([]byte, busIDSize)
	for i := range long {
		long[i] = 'a'
	}
	_, err := EncodeOpImport(string(long))
	assert.ErrorIs(t, err, ErrBusIDTooLong)
}

func TestDecodeOpImportReplySuccess(t *testing.T) {
	prefix := make([]byte, 8)
	prefix[2] = 0x00
	prefix[3] = 0x03 // opRepImport

	body := make([]byte, usbDeviceSize)
	copy(body[256:], "1-1")
	putU32 := func(off int, v uint32) {
		body[off] = byte(v >> 24)
		body[off+1] = byte(v >> 16)
		body[off+2] = byte(v >> 8)
		body[off+3] = byte(v)
	}
	putU32(256+32, 1)   // busnum
	putU32(256+32+4, 2) // devnum
	putU32(256+32+4+4, uint32(SpeedHigh))

	frame := append(prefix, body...)
	r := bytes.NewReader(frame)

	reply, err := DecodeOpImportReply(r)
	require.NoError(t, err)
	assert.Equal(t, "1-1", reply.BusID)
	assert.Equal(t, uint32(1), reply.BusNum)
	assert.Equal(t, uint32(2), reply.DevNum)
	assert.Equal(t, SpeedHigh, reply.Speed)
	assert.Equal(t, uint32(1<<16|2), reply.DevID())
}

func TestDecodeOpImportReplyRefused(t *testing.T) {
	buf := make([]byte, 8)
	buf[2] = 0x00
	buf[3] = 0x03
	buf[7] = 0x01 // non-zero status

	_, err := DecodeOpImportReply(bytes.NewReader(buf))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRefused))
}

func TestDecodeOpImportReplyShort(t *testing.T) {
	buf := []byte{0x01, 0x11, 0x00, 0x03}
	_, err := DecodeOpImportReply(bytes.NewReader(buf))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProtocolError))
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	setup := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload := []byte("hello")

	frame := EncodeCmdSubmit(7, 0x00010002, DirOut, 2, 0, int32(len(payload)), 0, 0, 0, setup, payload)

	h, err := DecodeHeader(frame[:headerSize])
	require.NoError(t, err)

	assert.Equal(t, uint32(cmdSubmit), h.Command)
	assert.Equal(t, uint32(7), h.Seqnum)
	assert.Equal(t, uint32(0x00010002), h.Devid)
	assert.Equal(t, uint32(DirOut), h.Direction)
	assert.Equal(t, uint32(2), h.Ep)
	assert.Equal(t, int32(len(payload)), h.TransferBufferLength())
	assert.Equal(t, setup, h.Setup)
	assert.Equal(t, payload, frame[headerSize:])
}

func TestCmdSubmitInNoPayload(t *testing.T) {
	frame := EncodeCmdSubmit(9, 1, DirIn, 1, 0, 64, 0, 0, 0, [8]byte{}, nil)
	assert.Len(t, frame, headerSize)
}

func TestCmdUnlinkFields(t *testing.T) {
	frame := EncodeCmdUnlink(11, 1, DirOut, 2, 7)
	h, err := DecodeHeader(frame)
	require.NoError(t, err)

	assert.Equal(t, uint32(cmdUnlink), h.Command)
	assert.Equal(t, uint32(11), h.Seqnum)
	assert.Equal(t, uint32(7), h.UnlinkSeqnum())
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, headerSize-1))
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestRetSubmitFieldsDistinct(t *testing.T) {
	// Regression for DESIGN.md Open Question 1: actual_length and
	// start_frame must decode as independent fields, never aliased
	buf := make([]byte, headerSize)
	putHeader(buf, retSubmit, 1, 1, uint32(DirIn), 0,
		0 /* status */, 128 /* actual_length */, -1 /* start_frame */, 0, 0, [8]byte{})

	h, err := DecodeHeader(buf)
	require.NoError(t, err)

	assert.EqualValues(t, 128, h.ActualLength())
	assert.EqualValues(t, -1, h.StartFrame())
	assert.NotEqual(t, h.ActualLength(), h.StartFrame())
}

func TestIsoDescriptorRoundTrip(t *testing.T) {
	descs := []IsoPacketDescriptor{
		{Offset: 0, Length: 64, ActualLength: 64, Status: 0},
		{Offset: 64, Length: 64, ActualLength: 32, Status: -1},
	}

	buf := EncodeIsoDescriptors(descs)
	require.Len(t, buf, len(descs)*isoDescSize)

	got, err := DecodeIsoDescriptors(buf, len(descs))
	require.NoError(t, err)
	assert.Equal(t, descs, got)
}

func TestDecodeIsoDescriptorsShort(t *testing.T) {
	_, err := DecodeIsoDescriptors(make([]byte, isoDescSize), 2)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestHasIsoTrailer(t *testing.T) {
	assert.False(t, HasIsoTrailer(0))
	assert.False(t, HasIsoTrailer(-1))
	assert.True(t, HasIsoTrailer(8))
}
