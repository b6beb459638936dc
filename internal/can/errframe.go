package can

import (
	"fmt"
	"strings"
)

// ErrorClass is a bit in the error frame identifier and in the socket error mask
// (CAN_ERR_* in <linux/can/error.h>).
type ErrorClass uint32

const (
	ErrClassTxTimeout   ErrorClass = 0x001
	ErrClassLostArb     ErrorClass = 0x002
	ErrClassController  ErrorClass = 0x004
	ErrClassProtocol    ErrorClass = 0x008
	ErrClassTransceiver ErrorClass = 0x010
	ErrClassNoAck       ErrorClass = 0x020
	ErrClassBusOff      ErrorClass = 0x040
	ErrClassBusError    ErrorClass = 0x080
	ErrClassRestarted   ErrorClass = 0x100

	// AllErrorClasses is CAN_ERR_MASK as accepted by CAN_RAW_ERR_FILTER.
	AllErrorClasses ErrorClass = CAN_ERR_MASK
)

var errorClassNames = []struct {
	c    ErrorClass
	name string
}{
	{ErrClassTxTimeout, "tx-timeout"},
	{ErrClassLostArb, "lost-arbitration"},
	{ErrClassController, "controller"},
	{ErrClassProtocol, "protocol"},
	{ErrClassTransceiver, "transceiver"},
	{ErrClassNoAck, "no-ack"},
	{ErrClassBusOff, "bus-off"},
	{ErrClassBusError, "bus-error"},
	{ErrClassRestarted, "restarted"},
}

// Has reports whether every bit of c2 is set in c.
func (c ErrorClass) Has(c2 ErrorClass) bool { return c&c2 == c2 }

// Classes lists the known classes set in c.
func (c ErrorClass) Classes() []ErrorClass {
	var out []ErrorClass
	for _, n := range errorClassNames {
		if c&n.c != 0 {
			out = append(out, n.c)
		}
	}
	return out
}

func (c ErrorClass) String() string {
	var parts []string
	for _, n := range errorClassNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ControllerStatus is the bitset in data[1] of a controller error frame.
type ControllerStatus uint8

const (
	CtrlUnspecified ControllerStatus = 0x00
	CtrlRxOverflow  ControllerStatus = 0x01
	CtrlTxOverflow  ControllerStatus = 0x02
	CtrlRxWarning   ControllerStatus = 0x04
	CtrlTxWarning   ControllerStatus = 0x08
	CtrlRxPassive   ControllerStatus = 0x10
	CtrlTxPassive   ControllerStatus = 0x20
	CtrlActive      ControllerStatus = 0x40
)

func (s ControllerStatus) String() string {
	return flagString(uint32(s), []flagName{
		{uint32(CtrlRxOverflow), "rx-overflow"},
		{uint32(CtrlTxOverflow), "tx-overflow"},
		{uint32(CtrlRxWarning), "rx-warning"},
		{uint32(CtrlTxWarning), "tx-warning"},
		{uint32(CtrlRxPassive), "rx-passive"},
		{uint32(CtrlTxPassive), "tx-passive"},
		{uint32(CtrlActive), "active"},
	})
}

// ProtocolType is the bitset in data[2] of a protocol violation frame.
type ProtocolType uint8

const (
	ProtoUnspecified ProtocolType = 0x00
	ProtoBit         ProtocolType = 0x01
	ProtoForm        ProtocolType = 0x02
	ProtoStuff       ProtocolType = 0x04
	ProtoBit0        ProtocolType = 0x08
	ProtoBit1        ProtocolType = 0x10
	ProtoOverload    ProtocolType = 0x20
	ProtoActive      ProtocolType = 0x40
	ProtoTx          ProtocolType = 0x80
)

func (p ProtocolType) String() string {
	return flagString(uint32(p), []flagName{
		{uint32(ProtoBit), "bit"},
		{uint32(ProtoForm), "form"},
		{uint32(ProtoStuff), "stuff"},
		{uint32(ProtoBit0), "bit0"},
		{uint32(ProtoBit1), "bit1"},
		{uint32(ProtoOverload), "overload"},
		{uint32(ProtoActive), "active"},
		{uint32(ProtoTx), "tx"},
	})
}

// ProtocolLocation is data[3] of a protocol violation frame.
type ProtocolLocation uint16

const (
	LocUnspecified ProtocolLocation = 0x00
	LocSOF         ProtocolLocation = 0x03
	LocID28_21     ProtocolLocation = 0x02
	LocID20_18     ProtocolLocation = 0x06
	LocSRTR        ProtocolLocation = 0x04
	LocIDE         ProtocolLocation = 0x05
	LocID17_13     ProtocolLocation = 0x07
	LocID12_05     ProtocolLocation = 0x0F
	LocID04_00     ProtocolLocation = 0x0E
	LocRTR         ProtocolLocation = 0x0C
	LocRES1        ProtocolLocation = 0x0D
	LocRES0        ProtocolLocation = 0x09
	LocDLC         ProtocolLocation = 0x0B
	LocData        ProtocolLocation = 0x0A
	LocCRCSeq      ProtocolLocation = 0x08
	LocCRCDel      ProtocolLocation = 0x18
	LocACK         ProtocolLocation = 0x19
	LocACKDel      ProtocolLocation = 0x1B
	LocEOF         ProtocolLocation = 0x1A
	LocInterm      ProtocolLocation = 0x12
	// LocUnknown reports a location byte outside the known table.
	LocUnknown     ProtocolLocation = 0x100
)

var locationNames = map[ProtocolLocation]string{
	LocUnspecified: "unspecified",
	LocSOF:         "sof",
	LocID28_21:     "id28-21",
	LocID20_18:     "id20-18",
	LocSRTR:        "srtr",
	LocIDE:         "ide",
	LocID17_13:     "id17-13",
	LocID12_05:     "id12-05",
	LocID04_00:     "id04-00",
	LocRTR:         "rtr",
	LocRES1:        "res1",
	LocRES0:        "res0",
	LocDLC:         "dlc",
	LocData:        "data",
	LocCRCSeq:      "crc-seq",
	LocCRCDel:      "crc-del",
	LocACK:         "ack",
	LocACKDel:      "ack-del",
	LocEOF:         "eof",
	LocInterm:      "intermission",
	LocUnknown:     "unknown",
}

func (l ProtocolLocation) String() string {
	if s, ok := locationNames[l]; ok {
		return s
	}
	return fmt.Sprintf("location(%#x)", uint16(l))
}

func protocolLocation(b byte) ProtocolLocation {
	l := ProtocolLocation(b)
	if _, ok := locationNames[l]; ok {
		return l
	}
	return LocUnknown
}

// TransceiverStatus is data[4] of a transceiver error frame.
type TransceiverStatus uint16

const (
	TrxUnspecified   TransceiverStatus = 0x00
	TrxCANHNoWire    TransceiverStatus = 0x04
	TrxCANHShortBat  TransceiverStatus = 0x05
	TrxCANHShortVCC  TransceiverStatus = 0x06
	TrxCANHShortGND  TransceiverStatus = 0x07
	TrxCANLNoWire    TransceiverStatus = 0x40
	TrxCANLShortBat  TransceiverStatus = 0x50
	TrxCANLShortVCC  TransceiverStatus = 0x60
	TrxCANLShortGND  TransceiverStatus = 0x70
	TrxCANLShortCANH TransceiverStatus = 0x80
	TrxUnknown       TransceiverStatus = 0x100
)

var transceiverNames = map[TransceiverStatus]string{
	TrxUnspecified:   "unspecified",
	TrxCANHNoWire:    "canh-no-wire",
	TrxCANHShortBat:  "canh-short-to-bat",
	TrxCANHShortVCC:  "canh-short-to-vcc",
	TrxCANHShortGND:  "canh-short-to-gnd",
	TrxCANLNoWire:    "canl-no-wire",
	TrxCANLShortBat:  "canl-short-to-bat",
	TrxCANLShortVCC:  "canl-short-to-vcc",
	TrxCANLShortGND:  "canl-short-to-gnd",
	TrxCANLShortCANH: "canl-short-to-canh",
	TrxUnknown:       "unknown",
}

func (t TransceiverStatus) String() string {
	if s, ok := transceiverNames[t]; ok {
		return s
	}
	return fmt.Sprintf("transceiver(%#x)", uint16(t))
}

func transceiverStatus(b byte) TransceiverStatus {
	t := TransceiverStatus(b)
	if _, ok := transceiverNames[t]; ok {
		return t
	}
	return TrxUnknown
}

// Payload offsets of the class specific details.
const (
	errOffArbitration = 0
	errOffController  = 1
	errOffProtoType   = 2
	errOffProtoLoc    = 3
	errOffTransceiver = 4
)

// ErrorReport is a decoded error frame. At most one detail group is
// populated, chosen in priority order: lost arbitration, controller,
// protocol, transceiver.
type ErrorReport struct {
	Classes ErrorClass

	// Lost arbitration.
	HasArbitration      bool
	ArbitrationPosition uint8

	// Controller.
	Controller ControllerStatus

	// Protocol violation.
	ProtocolType     ProtocolType
	HasLocation      bool
	ProtocolLocation ProtocolLocation

	// Transceiver.
	HasTransceiver bool
	Transceiver    TransceiverStatus

	// Raw is the frame the report was decoded from.
	Raw Frame
}

func (r ErrorReport) String() string {
	var b strings.Builder
	b.WriteString(r.Classes.String())
	switch {
	case r.HasArbitration:
		fmt.Fprintf(&b, " arbitration_bit=%d", r.ArbitrationPosition)
	case r.Classes&ErrClassController != 0:
		fmt.Fprintf(&b, " controller=%s", r.Controller)
	case r.Classes&ErrClassProtocol != 0:
		fmt.Fprintf(&b, " protocol=%s location=%s", r.ProtocolType, r.ProtocolLocation)
	case r.HasTransceiver:
		fmt.Fprintf(&b, " transceiver=%s", r.Transceiver)
	}
	return b.String()
}

// DecodeError turns an error frame into a report. It fails with ErrValidation
// when the frame does not carry the error flag.
func DecodeError(f Frame) (ErrorReport, error) {
	if !f.Error {
		return ErrorReport{}, fmt.Errorf("%w: not an error frame", ErrValidation)
	}
	r := ErrorReport{Classes: ErrorClass(f.ID & CAN_ERR_MASK), Raw: f}
	// Byte offsets beyond Len read as zero from the fixed storage.
	d := f.Data
	switch {
	case r.Classes&ErrClassLostArb != 0:
		r.HasArbitration = true
		r.ArbitrationPosition = d[errOffArbitration]
	case r.Classes&ErrClassController != 0:
		r.Controller = ControllerStatus(d[errOffController])
	case r.Classes&ErrClassProtocol != 0:
		r.ProtocolType = ProtocolType(d[errOffProtoType])
		r.HasLocation = true
		r.ProtocolLocation = protocolLocation(d[errOffProtoLoc])
	case r.Classes&ErrClassTransceiver != 0:
		r.HasTransceiver = true
		r.Transceiver = transceiverStatus(d[errOffTransceiver])
	}
	return r, nil
}

type flagName struct {
	bit  uint32
	name string
}

func flagString(v uint32, names []flagName) string {
	if v == 0 {
		return "unspecified"
	}
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("%#x", v))
	}
	return strings.Join(parts, "|")
}
