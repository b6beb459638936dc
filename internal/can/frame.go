package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
	CAN_ERR_MASK = 0x1FFFFFFF
)

const (
	// MTU is the size of one classic struct can_frame on the wire.
	MTU = 16
	// MaxDataLen is the classic CAN payload capacity.
	MaxDataLen = 8
)

// Errors shared by the codecs in this package. Callers match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrFormat        = errors.New("format error")
	ErrConfiguration = errors.New("configuration error")

	// ErrWouldBlock is returned by non-blocking link reads with nothing queued.
	ErrWouldBlock = errors.New("would block")
)

// Frame is one classic CAN frame. ID is already masked to 11 or 29 bits
// according to Extended; the flag bits live in dedicated fields.
// Only the first Len bytes of Data are meaningful.
type Frame struct {
	ID       uint32
	Extended bool
	Remote   bool
	// Error marks a kernel error frame; ID then carries the error class bits.
	Error bool
	Len   uint8
	Data  [MaxDataLen]byte
}

// Received is one unit read from a link: a data frame or a decoded error report.
type Received struct {
	Frame     Frame
	Timestamp time.Time
	// Report is non-nil when the unit was an error frame.
	Report *ErrorReport
}

// NewFrame validates and builds a data frame. The identifier is masked to
// the width selected by extended.
func NewFrame(id uint32, extended, remote bool, payload []byte) (Frame, error) {
	if len(payload) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrValidation, len(payload), MaxDataLen)
	}
	f := Frame{ID: maskID(id, extended), Extended: extended, Remote: remote, Len: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, nil
}

func maskID(id uint32, extended bool) uint32 {
	if extended {
		return id & CAN_EFF_MASK
	}
	return id & CAN_SFF_MASK
}

// Payload returns the meaningful data bytes.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

// RawID returns the identifier with SocketCAN flag bits applied.
func (f Frame) RawID() uint32 {
	var id uint32
	switch {
	case f.Error:
		id = f.ID&CAN_ERR_MASK | CAN_ERR_FLAG
	case f.Extended:
		id = f.ID&CAN_EFF_MASK | CAN_EFF_FLAG
	default:
		id = f.ID & CAN_SFF_MASK
	}
	if f.Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

func (f Frame) String() string {
	kind := ""
	switch {
	case f.Error:
		kind = " ERR"
	case f.Remote:
		kind = " RTR"
	}
	if f.Extended {
		return fmt.Sprintf("%08X [%d]%s % X", f.ID, f.Len, kind, f.Data[:f.Len])
	}
	return fmt.Sprintf("%03X [%d]%s % X", f.ID, f.Len, kind, f.Data[:f.Len])
}

// struct can_frame (linux/can.h):
//
//	can_id   u32  [0:4]   (includes EFF/RTR/ERR flags)
//	len      u8   [4]
//	__pad    u8   [5]
//	__res0   u8   [6]
//	len8_dlc u8   [7]
//	data     [8]  [8:16]
//
// The kernel uses host byte order for can_id.
const (
	offID   = 0
	offLen  = 4
	offData = 8
)

// Validate reports whether f can be put on the wire.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: length %d exceeds %d", ErrValidation, f.Len, MaxDataLen)
	}
	if !f.Extended && !f.Error && f.ID > CAN_SFF_MASK {
		return fmt.Errorf("%w: standard id %#x exceeds 11 bits", ErrValidation, f.ID)
	}
	if f.ID > CAN_EFF_MASK {
		return fmt.Errorf("%w: id %#x exceeds 29 bits", ErrValidation, f.ID)
	}
	return nil
}

// MarshalTo writes the wire form of f into b, which must hold MTU bytes.
func (f Frame) MarshalTo(b []byte) error {
	if len(b) < MTU {
		return fmt.Errorf("%w: buffer %d bytes, need %d", ErrValidation, len(b), MTU)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	binary.NativeEndian.PutUint32(b[offID:], f.RawID())
	b[offLen] = f.Len
	b[5], b[6], b[7] = 0, 0, 0
	copy(b[offData:MTU], f.Data[:])
	clear(b[offData+int(f.Len) : MTU])
	return nil
}

// Marshal returns the wire form of f.
func (f Frame) Marshal() ([MTU]byte, error) {
	var b [MTU]byte
	err := f.MarshalTo(b[:])
	return b, err
}

// Decode parses one wire frame. The byte count must equal MTU.
func Decode(b []byte) (Frame, error) {
	if len(b) != MTU {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFormat, len(b), MTU)
	}
	raw := binary.NativeEndian.Uint32(b[offID:])
	n := b[offLen]
	if n > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: length %d exceeds %d", ErrFormat, n, MaxDataLen)
	}
	f := Frame{
		Extended: raw&CAN_EFF_FLAG != 0,
		Remote:   raw&CAN_RTR_FLAG != 0,
		Error:    raw&CAN_ERR_FLAG != 0,
		Len:      n,
	}
	if f.Error {
		f.ID = raw & CAN_ERR_MASK
	} else {
		f.ID = maskID(raw, f.Extended)
	}
	copy(f.Data[:], b[offData:offData+int(n)])
	return f, nil
}
