/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Wire codec: OP_REQ_IMPORT/OP_REP_IMPORT handshake, CMD_SUBMIT,
 * RET_SUBMIT, CMD_UNLINK, RET_UNLINK (spec.md §4.1, §6)
 *
 * All integers are big-endian on the wire (network byte order), per
 * USB/IP v1.1.1
 */

package usbip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol constants, spec.md §6
const (
	protocolVersion = 0x0111

	opReqImport = 0x8003
	opRepImport = 0x0003

	cmdSubmit = 1
	cmdUnlink = 2
	retSubmit = 3
	retUnlink = 4
)

const (
	busIDSize     = 32
	opImportSize  = 2 + 2 + 4 + busIDSize // 40 bytes
	usbDeviceSize = 256 + 32 + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1
	headerSize    = 48
	isoDescSize   = 16
)

// ErrShortRead is returned when a frame is truncated relative to its
// declared length. Per spec.md §4.1, any short read is a ProtocolError
// and the session must transition to Draining
var ErrShortRead = errors.New("usbip: short read")

// ErrBusIDTooLong is returned by EncodeOpImport when busid doesn't fit
// the fixed 32-byte field
var ErrBusIDTooLong = errors.New("usbip: busid too long")

// EncodeOpImport produces the 40-byte OP_REQ_IMPORT frame
func EncodeOpImport(busid string) ([]byte, error) {
	if len(busid) >= busIDSize {
		return nil, ErrBusIDTooLong
	}

	buf := make([]byte, opImportSize)
	binary.BigEndian.PutUint16(buf[0:2], protocolVersion)
	binary.BigEndian.PutUint16(buf[2:4], opReqImport)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	copy(buf[8:8+busIDSize], busid)

	return buf, nil
}

// ImportReply carries the fields of usb_device decoded from a successful
// OP_REP_IMPORT, including the busid the remote reports in that structure
type ImportReply struct {
	Path            string
	BusID           string
	BusNum          uint32
	DevNum          uint32
	Speed           Speed
	Vendor          uint16
	Product         uint16
	BCdDevice       uint16
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	ConfigValue     uint8
	NumConfigs      uint8
	NumInterfaces   uint8
}

// DevID returns the remote's (busnum<<16 | devnum) device identifier,
// echoed on every subsequent frame (spec.md GLOSSARY)
func (r ImportReply) DevID() uint32 {
	return r.BusNum<<16 | r.DevNum
}

// DecodeOpImportReply reads and parses an OP_REP_IMPORT frame from r.
// On a non-zero status it returns a *Error with Kind KindRefused; on a
// malformed frame it returns a *Error with Kind KindProtocolError
func DecodeOpImportReply(r io.Reader) (ImportReply, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return ImportReply{}, newErr(KindProtocolError, "decode_op_import_reply", err)
	}

	code := binary.BigEndian.Uint16(prefix[2:4])
	status := binary.BigEndian.Uint32(prefix[4:8])

	if code != opRepImport {
		return ImportReply{}, newErr(KindProtocolError, "decode_op_import_reply",
			fmt.Errorf("unexpected reply code %#04x", code))
	}

	if status != 0 {
		return ImportReply{}, newErr(KindRefused, "decode_op_import_reply",
			fmt.Errorf("remote status %d", status))
	}

	body := make([]byte, usbDeviceSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return ImportReply{}, newErr(KindProtocolError, "decode_op_import_reply", ErrShortRead)
	}

	return decodeUsbDevice(body), nil
}

// decodeUsbDevice parses the 312-byte usb_device structure
func decodeUsbDevice(b []byte) ImportReply {
	off := 0
	readStr := func(n int) string {
		s := b[off : off+n]
		off += n
		end := 0
		for end < len(s) && s[end] != 0 {
			end++
		}
		return string(s[:end])
	}
	readU32 := func() uint32 {
		v := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		return v
	}
	readU16 := func() uint16 {
		v := binary.BigEndian.Uint16(b[off : off+2])
		off += 2
		return v
	}
	readU8 := func() uint8 {
		v := b[off]
		off++
		return v
	}

	path := readStr(256)
	busid := readStr(32)
	busnum := readU32()
	devnum := readU32()
	speed := readU32()
	vendor := readU16()
	product := readU16()
	bcd := readU16()
	class := readU8()
	subclass := readU8()
	proto := readU8()
	cfgval := readU8()
	numcfg := readU8()
	numif := readU8()

	return ImportReply{
		Path:          path,
		BusID:         busid,
		BusNum:        busnum,
		DevNum:        devnum,
		Speed:         Speed(speed),
		Vendor:        vendor,
		Product:       product,
		BCdDevice:     bcd,
		Class:         class,
		SubClass:      subclass,
		Protocol:      proto,
		ConfigValue:   cfgval,
		NumConfigs:    numcfg,
		NumInterfaces: numif,
	}
}

// Header is the common 48-byte CMD/RET header, spec.md §6. The final
// five 32-bit fields are a union whose meaning depends on Command;
// accessor methods below name them per the active command
type Header struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
	Field1    int32
	Field2    int32
	Field3    int32
	Field4    int32
	Field5    int32
	Setup     [8]byte
}

// TransferFlags (CMD_SUBMIT)
func (h Header) TransferFlags() uint32 { return uint32(h.Field1) }

// TransferBufferLength (CMD_SUBMIT)
func (h Header) TransferBufferLength() int32 { return h.Field2 }

// StartFrame (CMD_SUBMIT / RET_SUBMIT, isochronous only)
func (h Header) StartFrame() int32 { return h.Field3 }

// NumberOfPackets (CMD_SUBMIT / RET_SUBMIT)
func (h Header) NumberOfPackets() int32 { return h.Field4 }

// Interval (CMD_SUBMIT)
func (h Header) Interval() int32 { return h.Field5 }

// Status (RET_SUBMIT / RET_UNLINK)
func (h Header) Status() int32 { return h.Field1 }

// ActualLength (RET_SUBMIT) -- its own field, never the StartFrame slot;
// see DESIGN.md Open Question 1
func (h Header) ActualLength() int32 { return h.Field2 }

// ErrorCount (RET_SUBMIT, isochronous only)
func (h Header) ErrorCount() int32 { return h.Field5 }

// UnlinkSeqnum (CMD_UNLINK) -- the seqnum of the submit being unlinked
func (h Header) UnlinkSeqnum() uint32 { return uint32(h.Field1) }

// EncodeCmdSubmit builds a CMD_SUBMIT frame, with payload appended for
// OUT transfers. For IN transfers, payload should be empty/nil: nothing
// is sent but the length still declares the buffer the remote should fill
func EncodeCmdSubmit(seqnum, devid uint32, direction Direction, ep uint32,
	flags uint32, length, startFrame, numberOfPackets, interval int32,
	setup [8]byte, payload []byte) []byte {

	out := direction == DirOut
	buf := make([]byte, headerSize, headerSize+len(payload))
	putHeader(buf, cmdSubmit, seqnum, devid, uint32(direction), ep,
		int32(flags), length, startFrame, numberOfPackets, interval, setup)

	if out && len(payload) > 0 {
		buf = append(buf, payload...)
	}

	return buf
}

// EncodeCmdUnlink builds a CMD_UNLINK frame targeting unlinkSeqnum
func EncodeCmdUnlink(seqnum, devid uint32, direction Direction, ep uint32, unlinkSeqnum uint32) []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, cmdUnlink, seqnum, devid, uint32(direction), ep,
		int32(unlinkSeqnum), 0, 0, 0, 0, [8]byte{})
	return buf
}

// putHeader writes the common header layout into buf[0:48]
func putHeader(buf []byte, command, seqnum, devid, direction, ep uint32,
	f1, f2, f3, f4, f5 int32, setup [8]byte) {

	binary.BigEndian.PutUint32(buf[0:4], command)
	binary.BigEndian.PutUint32(buf[4:8], seqnum)
	binary.BigEndian.PutUint32(buf[8:12], devid)
	binary.BigEndian.PutUint32(buf[12:16], direction)
	binary.BigEndian.PutUint32(buf[16:20], ep)
	binary.BigEndian.PutUint32(buf[20:24], uint32(f1))
	binary.BigEndian.PutUint32(buf[24:28], uint32(f2))
	binary.BigEndian.PutUint32(buf[28:32], uint32(f3))
	binary.BigEndian.PutUint32(buf[32:36], uint32(f4))
	binary.BigEndian.PutUint32(buf[36:40], uint32(f5))
	copy(buf[40:48], setup[:])
}

// DecodeHeader parses a 48-byte CMD/RET header
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, ErrShortRead
	}

	var h Header
	h.Command = binary.BigEndian.Uint32(b[0:4])
	h.Seqnum = binary.BigEndian.Uint32(b[4:8])
	h.Devid = binary.BigEndian.Uint32(b[8:12])
	h.Direction = binary.BigEndian.Uint32(b[12:16])
	h.Ep = binary.BigEndian.Uint32(b[16:20])
	h.Field1 = int32(binary.BigEndian.Uint32(b[20:24]))
	h.Field2 = int32(binary.BigEndian.Uint32(b[24:28]))
	h.Field3 = int32(binary.BigEndian.Uint32(b[28:32]))
	h.Field4 = int32(binary.BigEndian.Uint32(b[32:36]))
	h.Field5 = int32(binary.BigEndian.Uint32(b[36:40]))
	copy(h.Setup[:], b[40:48])

	return h, nil
}

// IsoPacketDescriptor is one entry of the iso descriptor trailer,
// 16 bytes on the wire
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// EncodeIsoDescriptors serializes the iso descriptor trailer
func EncodeIsoDescriptors(descs []IsoPacketDescriptor) []byte {
	buf := make([]byte, len(descs)*isoDescSize)
	for i, d := range descs {
		o := i * isoDescSize
		binary.BigEndian.PutUint32(buf[o:o+4], d.Offset)
		binary.BigEndian.PutUint32(buf[o+4:o+8], d.Length)
		binary.BigEndian.PutUint32(buf[o+8:o+12], d.ActualLength)
		binary.BigEndian.PutUint32(buf[o+12:o+16], uint32(d.Status))
	}
	return buf
}

// DecodeIsoDescriptors parses n iso descriptors from b
func DecodeIsoDescriptors(b []byte, n int) ([]IsoPacketDescriptor, error) {
	if len(b) < n*isoDescSize {
		return nil, ErrShortRead
	}

	descs := make([]IsoPacketDescriptor, n)
	for i := range descs {
		o := i * isoDescSize
		descs[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(b[o : o+4]),
			Length:       binary.BigEndian.Uint32(b[o+4 : o+8]),
			ActualLength: binary.BigEndian.Uint32(b[o+8 : o+12]),
			Status:       int32(binary.BigEndian.Uint32(b[o+12 : o+16])),
		}
	}
	return descs, nil
}

// HasIsoTrailer reports whether a frame with the given number_of_packets
// value carries an iso descriptor trailer, per spec.md §4.1's tie-break:
// 0xFFFFFFFF (-1 as int32) means "no trailer"; 0 also means no trailer
func HasIsoTrailer(numberOfPackets int32) bool {
	return numberOfPackets > 0
}
