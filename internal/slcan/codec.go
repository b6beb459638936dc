package slcan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/metrics"
)

const (
	cr   = '\r'
	bell = 0x07
	// maxLine is the longest line an adapter sends: T + 8 id + dlc + 16 data
	// + 4 timestamp.
	maxLine = 1 + 8 + 1 + 16 + 4
)

// Codec converts frames to and from the Lawicel ASCII protocol:
//
//	t<iii><L><dd..>\r       standard data frame
//	T<iiiiiiii><L><dd..>\r  extended data frame
//	r<iii><L>\r, R<iiiiiiii><L>\r remote frames
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

const hexDigits = "0123456789ABCDEF"

// Encode renders f as one command line. Error frames have no encoding.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.Error {
		return nil, fmt.Errorf("%w: error frames cannot be sent over slcan", can.ErrValidation)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, maxLine)
	idDigits := 3
	switch {
	case f.Extended && f.Remote:
		b, idDigits = append(b, 'R'), 8
	case f.Extended:
		b, idDigits = append(b, 'T'), 8
	case f.Remote:
		b = append(b, 'r')
	default:
		b = append(b, 't')
	}
	for i := idDigits - 1; i >= 0; i-- {
		b = append(b, hexDigits[(f.ID>>(4*uint(i)))&0xF])
	}
	b = append(b, '0'+f.Len)
	if !f.Remote {
		for _, v := range f.Payload() {
			b = append(b, hexDigits[v>>4], hexDigits[v&0xF])
		}
	}
	return append(b, cr), nil
}

// DecodeStream consumes complete lines from in and emits decoded frames via
// out. Partial lines stay buffered. Acknowledgements and status replies are
// skipped; malformed frame lines are counted and dropped. It returns the
// number of negative acknowledgements (BEL) seen.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) int {
	nacks := 0
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if len(data) > maxLine {
				// no terminator in sight: resync on the next one
				metrics.IncMalformed()
				in.Reset()
			}
			return nacks
		}
		if data[i] == bell {
			nacks++
		} else if i > 0 {
			switch data[0] {
			case 't', 'T', 'r', 'R':
				f, err := parseFrame(data[:i])
				if err != nil {
					metrics.IncMalformed()
				} else {
					out(f)
				}
			}
		}
		in.Next(i + 1)
	}
}

func parseFrame(line []byte) (can.Frame, error) {
	var ext, rtr bool
	idDigits := 3
	switch line[0] {
	case 'T':
		ext, idDigits = true, 8
	case 'r':
		rtr = true
	case 'R':
		ext, rtr, idDigits = true, true, 8
	}
	if len(line) < 2+idDigits {
		return can.Frame{}, fmt.Errorf("%w: short slcan line %q", can.ErrFormat, line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idDigits]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: slcan id %q", can.ErrFormat, line[1:1+idDigits])
	}
	if (!ext && id > can.CAN_SFF_MASK) || id > can.CAN_EFF_MASK {
		return can.Frame{}, fmt.Errorf("%w: slcan id %#x out of range", can.ErrFormat, id)
	}
	dlc := line[1+idDigits] - '0'
	if dlc > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: slcan dlc %q", can.ErrFormat, line[1+idDigits])
	}
	if rtr {
		f, err := can.NewFrame(uint32(id), ext, true, nil)
		f.Len = dlc
		return f, err
	}
	rest := line[2+idDigits:]
	if len(rest) < 2*int(dlc) {
		return can.Frame{}, fmt.Errorf("%w: slcan line %q shorter than dlc %d", can.ErrFormat, line, dlc)
	}
	payload, err := hex.DecodeString(string(rest[:2*int(dlc)]))
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: slcan data: %v", can.ErrFormat, err)
	}
	return can.NewFrame(uint32(id), ext, false, payload)
}

// bitrateCommands maps bus speeds to the Sn setup command.
var bitrateCommands = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// BitrateCommand returns the setup command for bitrate.
func BitrateCommand(bitrate int) (string, error) {
	c, ok := bitrateCommands[bitrate]
	if !ok {
		return "", fmt.Errorf("%w: unsupported slcan bitrate %d", can.ErrConfiguration, bitrate)
	}
	return c, nil
}
