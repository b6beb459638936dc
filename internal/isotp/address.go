package isotp

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-carbus/internal/can"
)

// TargetType selects one-to-one or one-to-many addressing.
type TargetType uint8

const (
	Physical TargetType = iota
	Functional
)

func (t TargetType) String() string {
	if t == Functional {
		return "functional"
	}
	return "physical"
}

// Address is the network address information of one message.
// For received messages Source is the peer and Target is the local node.
type Address struct {
	Source     uint8
	Target     uint8
	TargetType TargetType
	// Extension is the address extension byte (remote diagnostics).
	Extension    uint8
	HasExtension bool
}

func (a Address) String() string {
	s := fmt.Sprintf("%02X->%02X/%s", a.Source, a.Target, a.TargetType)
	if a.HasExtension {
		s += fmt.Sprintf("/ae=%02X", a.Extension)
	}
	return s
}

// Reply returns the physical address for answering a message received from a.
func (a Address) Reply() Address {
	return Address{Source: a.Target, Target: a.Source, Extension: a.Extension, HasExtension: a.HasExtension}
}

// peerKey identifies the remote end of a session.
type peerKey struct {
	node   uint8
	ext    uint8
	hasExt bool
}

// ErrNoRoute is returned when an addressing scheme cannot reach a target.
var ErrNoRoute = errors.New("isotp: no route to target")

// Addressing maps address information to CAN identifiers and back.
type Addressing interface {
	// Local is the node address of this end.
	Local() uint8
	// Frame returns the identifier and payload prefix for a frame to a.
	Frame(a Address) (id uint32, extended bool, prefix []byte, err error)
	// Resolve extracts the address information of a frame for this node and
	// returns the offset of the PCI. ok is false for frames not addressed here.
	Resolve(f can.Frame) (a Address, pciOffset int, ok bool)
	// Filters lists the acceptance filters a socket needs for this scheme.
	Filters() []can.Filter
}

// NormalFixed is 29-bit normal fixed addressing: 0x18DA<TA><SA> physical,
// 0x18DB<TA><SA> functional.
type NormalFixed struct {
	Node uint8
	// Priority is the 3-bit priority placed in bits 26-28 (default 6).
	Priority uint8
}

const (
	normalFixedPhys = 0xDA
	normalFixedFunc = 0xDB
	mixedPhys       = 0xCE
	mixedFunc       = 0xCD
	defaultPriority = 6
)

func fixedID(prio, pf, ta, sa uint8) uint32 {
	if prio == 0 {
		prio = defaultPriority
	}
	return uint32(prio&0x7)<<26 | uint32(pf)<<16 | uint32(ta)<<8 | uint32(sa)
}

func fixedParts(id uint32) (pf, ta, sa uint8) {
	return uint8(id >> 16), uint8(id >> 8), uint8(id)
}

func (n NormalFixed) Local() uint8 { return n.Node }

func (n NormalFixed) Frame(a Address) (uint32, bool, []byte, error) {
	pf := uint8(normalFixedPhys)
	if a.TargetType == Functional {
		pf = normalFixedFunc
	}
	return fixedID(n.Priority, pf, a.Target, n.Node), true, nil, nil
}

func (n NormalFixed) Resolve(f can.Frame) (Address, int, bool) {
	if !f.Extended || f.Error {
		return Address{}, 0, false
	}
	pf, ta, sa := fixedParts(f.ID)
	if ta != n.Node || (pf != normalFixedPhys && pf != normalFixedFunc) {
		return Address{}, 0, false
	}
	a := Address{Source: sa, Target: ta}
	if pf == normalFixedFunc {
		a.TargetType = Functional
	}
	return a, 0, true
}

func (n NormalFixed) Filters() []can.Filter {
	return []can.Filter{
		{ID: uint32(normalFixedPhys)<<16 | uint32(n.Node)<<8, Mask: 0x00FFFF00, Exclusivity: can.ExtendedOnly},
		{ID: uint32(normalFixedFunc)<<16 | uint32(n.Node)<<8, Mask: 0x00FFFF00, Exclusivity: can.ExtendedOnly},
	}
}

// Mixed is 29-bit mixed addressing: 0x18CE<TA><SA> physical, 0x18CD<TA><SA>
// functional, with the address extension in the first payload byte.
type Mixed struct {
	Node      uint8
	Extension uint8
	Priority  uint8
}

func (m Mixed) Local() uint8 { return m.Node }

func (m Mixed) Frame(a Address) (uint32, bool, []byte, error) {
	pf := uint8(mixedPhys)
	if a.TargetType == Functional {
		pf = mixedFunc
	}
	ae := m.Extension
	if a.HasExtension {
		ae = a.Extension
	}
	return fixedID(m.Priority, pf, a.Target, m.Node), true, []byte{ae}, nil
}

func (m Mixed) Resolve(f can.Frame) (Address, int, bool) {
	if !f.Extended || f.Error || f.Len < 1 {
		return Address{}, 0, false
	}
	pf, ta, sa := fixedParts(f.ID)
	if ta != m.Node || (pf != mixedPhys && pf != mixedFunc) {
		return Address{}, 0, false
	}
	a := Address{Source: sa, Target: ta, Extension: f.Data[0], HasExtension: true}
	if pf == mixedFunc {
		a.TargetType = Functional
	}
	return a, 1, true
}

func (m Mixed) Filters() []can.Filter {
	return []can.Filter{
		{ID: uint32(mixedPhys)<<16 | uint32(m.Node)<<8, Mask: 0x00FFFF00, Exclusivity: can.ExtendedOnly},
		{ID: uint32(mixedFunc)<<16 | uint32(m.Node)<<8, Mask: 0x00FFFF00, Exclusivity: can.ExtendedOnly},
	}
}

// Link is one peer reachable through a fixed identifier pair.
type Link struct {
	Peer uint8
	// TxID carries frames to the peer, RxID carries frames from it.
	TxID     uint32
	RxID     uint32
	Extended bool
}

// Normal is normal addressing with an explicit identifier table, the usual
// 11-bit diagnostic layout (for example 0x7E0/0x7E8).
type Normal struct {
	Node  uint8
	Links []Link
	// FunctionalID is used for functional requests; zero disables them.
	FunctionalID       uint32
	FunctionalExtended bool
}

func (n Normal) Local() uint8 { return n.Node }

func (n Normal) Frame(a Address) (uint32, bool, []byte, error) {
	if a.TargetType == Functional {
		if n.FunctionalID == 0 {
			return 0, false, nil, fmt.Errorf("%w: no functional id", ErrNoRoute)
		}
		return n.FunctionalID, n.FunctionalExtended, nil, nil
	}
	for _, l := range n.Links {
		if l.Peer == a.Target {
			return l.TxID, l.Extended, nil, nil
		}
	}
	return 0, false, nil, fmt.Errorf("%w: peer %02X", ErrNoRoute, a.Target)
}

func (n Normal) Resolve(f can.Frame) (Address, int, bool) {
	if f.Error {
		return Address{}, 0, false
	}
	for _, l := range n.Links {
		if l.RxID == f.ID && l.Extended == f.Extended {
			return Address{Source: l.Peer, Target: n.Node}, 0, true
		}
	}
	return Address{}, 0, false
}

func (n Normal) Filters() []can.Filter {
	out := make([]can.Filter, 0, len(n.Links))
	for _, l := range n.Links {
		f := can.Filter{ID: l.RxID, Mask: can.CAN_SFF_MASK, Exclusivity: can.StandardOnly}
		if l.Extended {
			f.Mask, f.Exclusivity = can.CAN_EFF_MASK, can.ExtendedOnly
		}
		out = append(out, f)
	}
	return out
}

var (
	_ Addressing = NormalFixed{}
	_ Addressing = Mixed{}
	_ Addressing = Normal{}
)
