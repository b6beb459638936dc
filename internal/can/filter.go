package can

import (
	"encoding/binary"
	"fmt"
)

const (
	// CAN_INV_FILTER inverts the match of a raw filter (set on its id).
	CAN_INV_FILTER = 0x20000000
	// MaxFilters is the kernel limit for CAN_RAW_FILTER (CAN_RAW_FILTER_MAX).
	MaxFilters = 512
	// RawFilterSize is the wire size of one struct can_filter.
	RawFilterSize = 8

	exclusiveBits = CAN_EFF_FLAG | CAN_RTR_FLAG
)

// Exclusivity selects which identifier format a filter accepts.
type Exclusivity uint8

const (
	// Both accepts standard and extended frames.
	Both Exclusivity = iota
	// StandardOnly accepts 11-bit frames only.
	StandardOnly
	// ExtendedOnly accepts 29-bit frames only.
	ExtendedOnly
)

func (e Exclusivity) String() string {
	switch e {
	case StandardOnly:
		return "standard"
	case ExtendedOnly:
		return "extended"
	default:
		return "both"
	}
}

// Filter is one acceptance rule applied at the socket.
// A frame matches when rxID & Mask == ID & Mask.
type Filter struct {
	ID          uint32
	Mask        uint32
	Exclusivity Exclusivity
	Invert      bool
}

// RawFilter is struct can_filter as the kernel sees it.
type RawFilter struct {
	ID   uint32
	Mask uint32
}

// Raw encodes f into its kernel representation.
func (f Filter) Raw() RawFilter {
	r := RawFilter{ID: f.ID, Mask: f.Mask}
	if f.Exclusivity != Both {
		r.Mask |= exclusiveBits
	}
	if f.Exclusivity == ExtendedOnly {
		r.ID |= CAN_EFF_FLAG
	}
	if f.Invert {
		r.ID |= CAN_INV_FILTER
	}
	return r
}

// Filter decodes a kernel filter. Exclusivity is recovered only when both
// the EFF and RTR mask bits are set together.
func (r RawFilter) Filter() Filter {
	f := Filter{ID: r.ID, Mask: r.Mask}
	if f.ID&CAN_INV_FILTER != 0 {
		f.Invert = true
		f.ID &^= CAN_INV_FILTER
	}
	if f.Mask&exclusiveBits == exclusiveBits {
		if f.ID&CAN_EFF_FLAG != 0 {
			f.Exclusivity = ExtendedOnly
		} else {
			f.Exclusivity = StandardOnly
		}
	}
	f.ID &^= CAN_EFF_FLAG
	f.Mask &^= exclusiveBits
	return f
}

// EncodeFilters packs filters into the CAN_RAW_FILTER option value.
func EncodeFilters(filters []Filter) ([]byte, error) {
	if len(filters) > MaxFilters {
		return nil, fmt.Errorf("%w: %d filters exceeds limit %d", ErrConfiguration, len(filters), MaxFilters)
	}
	b := make([]byte, len(filters)*RawFilterSize)
	for i, f := range filters {
		r := f.Raw()
		binary.NativeEndian.PutUint32(b[i*RawFilterSize:], r.ID)
		binary.NativeEndian.PutUint32(b[i*RawFilterSize+4:], r.Mask)
	}
	return b, nil
}

// DecodeFilters unpacks a CAN_RAW_FILTER option value.
func DecodeFilters(b []byte) ([]Filter, error) {
	if len(b)%RawFilterSize != 0 {
		return nil, fmt.Errorf("%w: filter option length %d not a multiple of %d", ErrFormat, len(b), RawFilterSize)
	}
	n := len(b) / RawFilterSize
	if n > MaxFilters {
		return nil, fmt.Errorf("%w: %d filters exceeds limit %d", ErrFormat, n, MaxFilters)
	}
	out := make([]Filter, n)
	for i := range out {
		r := RawFilter{
			ID:   binary.NativeEndian.Uint32(b[i*RawFilterSize:]),
			Mask: binary.NativeEndian.Uint32(b[i*RawFilterSize+4:]),
		}
		out[i] = r.Filter()
	}
	return out, nil
}

// Matches applies f to a frame the way the kernel does for CAN_RAW_FILTER.
func (f Filter) Matches(fr Frame) bool {
	r := f.Raw()
	id := fr.RawID()
	hit := id&r.Mask == r.ID&^CAN_INV_FILTER&r.Mask
	if f.Invert {
		return !hit
	}
	return hit
}

// Accept reports whether any filter matches fr. An empty set accepts all.
func Accept(filters []Filter, fr Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(fr) {
			return true
		}
	}
	return false
}
