package isotp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PDUType is the high nibble of the first PCI byte.
type PDUType uint8

const (
	SingleFrame      PDUType = 0
	FirstFrame       PDUType = 1
	ConsecutiveFrame PDUType = 2
	FlowControl      PDUType = 3
)

func (t PDUType) String() string {
	switch t {
	case SingleFrame:
		return "SF"
	case FirstFrame:
		return "FF"
	case ConsecutiveFrame:
		return "CF"
	case FlowControl:
		return "FC"
	}
	return fmt.Sprintf("PDU(%d)", uint8(t))
}

// FlowStatus is the low nibble of a flow control PCI byte. Values above
// Overflow are reserved and kept as received.
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

func (s FlowStatus) String() string {
	switch s {
	case ContinueToSend:
		return "CTS"
	case Wait:
		return "WAIT"
	case Overflow:
		return "OVFLW"
	}
	return fmt.Sprintf("FS(%d)", uint8(s))
}

const (
	// maxSFDataLen is the classic CAN single frame capacity without prefix.
	maxSFDataLen = 7
	// maxFFDL12 is the largest length the 12-bit FirstFrame form carries.
	maxFFDL12 = 0xFFF
	// MaxMessageLen is the largest FirstFrame length (32-bit escape form).
	MaxMessageLen = 0xFFFFFFFF
)

// ErrMalformedPDU is returned by ParsePDU.
var ErrMalformedPDU = errors.New("isotp: malformed PDU")

// PDU is one network protocol data unit, without addressing prefix.
type PDU struct {
	Type PDUType
	// Length is the SF data length or the FF total message length.
	Length uint32
	// SequenceNumber is the CF sequence number (0-15).
	SequenceNumber uint8
	FlowStatus     FlowStatus
	BlockSize      uint8
	// STmin is the raw separation time byte of a flow control frame.
	STmin uint8
	// Data holds SF data, the first FF chunk or the CF chunk. It aliases the
	// parsed buffer.
	Data []byte
}

// ParsePDU decodes the PCI of b, which starts after any addressing prefix.
func ParsePDU(b []byte) (PDU, error) {
	if len(b) == 0 {
		return PDU{}, fmt.Errorf("%w: empty", ErrMalformedPDU)
	}
	p := PDU{Type: PDUType(b[0] >> 4)}
	switch p.Type {
	case SingleFrame:
		n := int(b[0] & 0x0F)
		if n == 0 || n > len(b)-1 {
			return PDU{}, fmt.Errorf("%w: SF length %d with %d data bytes", ErrMalformedPDU, n, len(b)-1)
		}
		p.Length = uint32(n)
		p.Data = b[1 : 1+n]
	case FirstFrame:
		if len(b) < 2 {
			return PDU{}, fmt.Errorf("%w: short FF", ErrMalformedPDU)
		}
		dl := uint32(b[0]&0x0F)<<8 | uint32(b[1])
		off := 2
		if dl == 0 {
			if len(b) < 6 {
				return PDU{}, fmt.Errorf("%w: short escaped FF", ErrMalformedPDU)
			}
			dl = binary.BigEndian.Uint32(b[2:6])
			off = 6
			if dl <= maxFFDL12 {
				return PDU{}, fmt.Errorf("%w: escaped FF length %d fits 12 bits", ErrMalformedPDU, dl)
			}
		}
		p.Length = dl
		p.Data = b[off:]
		if uint32(len(p.Data)) >= dl {
			return PDU{}, fmt.Errorf("%w: FF length %d fits one frame", ErrMalformedPDU, dl)
		}
	case ConsecutiveFrame:
		p.SequenceNumber = b[0] & 0x0F
		p.Data = b[1:]
	case FlowControl:
		if len(b) < 3 {
			return PDU{}, fmt.Errorf("%w: short FC", ErrMalformedPDU)
		}
		p.FlowStatus = FlowStatus(b[0] & 0x0F)
		p.BlockSize = b[1]
		p.STmin = b[2]
	default:
		return PDU{}, fmt.Errorf("%w: reserved PCI type %#x", ErrMalformedPDU, b[0]>>4)
	}
	return p, nil
}

// AppendSingleFrame appends an SF carrying data.
func AppendSingleFrame(b, data []byte) []byte {
	b = append(b, byte(SingleFrame)<<4|byte(len(data)))
	return append(b, data...)
}

// AppendFirstFrameHeader appends the FF PCI for a message of total bytes.
// The 32-bit escape form is used above 4095 bytes.
func AppendFirstFrameHeader(b []byte, total uint32) []byte {
	if total <= maxFFDL12 {
		return append(b, byte(FirstFrame)<<4|byte(total>>8), byte(total))
	}
	b = append(b, byte(FirstFrame)<<4, 0)
	return binary.BigEndian.AppendUint32(b, total)
}

// AppendConsecutiveFrameHeader appends the CF PCI for sequence number sn.
func AppendConsecutiveFrameHeader(b []byte, sn uint8) []byte {
	return append(b, byte(ConsecutiveFrame)<<4|sn&0x0F)
}

// AppendFlowControl appends a complete FC PDU.
func AppendFlowControl(b []byte, fs FlowStatus, bs, stmin uint8) []byte {
	return append(b, byte(FlowControl)<<4|byte(fs)&0x0F, bs, stmin)
}

// DecodeSTmin converts a raw separation time byte. 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds, anything else is
// reserved and treated as 127 ms.
func DecodeSTmin(v uint8) time.Duration {
	switch {
	case v <= 0x7F:
		return time.Duration(v) * time.Millisecond
	case v >= 0xF1 && v <= 0xF9:
		return time.Duration(v-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

// EncodeSTmin converts a duration into the closest raw byte not below d,
// capped at 127 ms.
func EncodeSTmin(d time.Duration) uint8 {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		us := (d + 99*time.Microsecond) / (100 * time.Microsecond)
		if us >= 10 {
			return 1
		}
		return 0xF0 + uint8(us)
	case d >= 127*time.Millisecond:
		return 0x7F
	}
	return uint8((d + time.Millisecond - 1) / time.Millisecond)
}
