package isotp

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
)

// Config holds the network layer timing and flow control parameters.
type Config struct {
	// TimeoutAs bounds one frame transmission by the sender; the link
	// enforces it as its write timeout.
	TimeoutAs time.Duration
	// TimeoutAr bounds one frame transmission by the receiver.
	TimeoutAr time.Duration
	// TimeoutBs bounds the wait for a flow control frame.
	TimeoutBs time.Duration
	// TimeoutCr bounds the wait for the next consecutive frame.
	TimeoutCr time.Duration
	// BlockSize is advertised to senders; 0 means no further flow control.
	BlockSize uint8
	// STmin is advertised to senders as the minimum consecutive frame gap.
	STmin time.Duration
	// MaxWaitFrames is N_WFTmax, the number of WAIT flow controls accepted
	// in a row before the transfer aborts.
	MaxWaitFrames int
	// RxBufferSize is the largest message accepted from a peer.
	RxBufferSize uint32
	// Padding fills every transmitted frame to 8 bytes with PaddingByte.
	Padding     bool
	PaddingByte byte
}

// DefaultConfig returns conservative defaults (1 s timers, no block limit).
func DefaultConfig() Config {
	return Config{
		TimeoutAs:     time.Second,
		TimeoutAr:     time.Second,
		TimeoutBs:     time.Second,
		TimeoutCr:     time.Second,
		BlockSize:     0,
		STmin:         0,
		MaxWaitFrames: 10,
		RxBufferSize:  4095,
		PaddingByte:   0xCC,
	}
}

// Validate checks ranges. It does not touch any link.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"N_As": c.TimeoutAs, "N_Ar": c.TimeoutAr, "N_Bs": c.TimeoutBs, "N_Cr": c.TimeoutCr,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be > 0 (got %v)", can.ErrConfiguration, name, d)
		}
	}
	if c.STmin < 0 || c.STmin > 127*time.Millisecond {
		return fmt.Errorf("%w: STmin %v outside 0..127ms", can.ErrConfiguration, c.STmin)
	}
	if c.MaxWaitFrames < 0 {
		return fmt.Errorf("%w: N_WFTmax must be >= 0", can.ErrConfiguration)
	}
	if c.RxBufferSize < 8 {
		return fmt.Errorf("%w: rx buffer %d too small", can.ErrConfiguration, c.RxBufferSize)
	}
	return nil
}

// Parameter names a value adjustable through ChangeParameter.
type Parameter uint8

const (
	ParamSTmin Parameter = iota
	ParamBlockSize
)

func (p Parameter) String() string {
	switch p {
	case ParamSTmin:
		return "STmin"
	case ParamBlockSize:
		return "BS"
	}
	return fmt.Sprintf("PARAM(%d)", uint8(p))
}

// ChangeResult is the confirmation of ChangeParameter.
type ChangeResult uint8

const (
	ChangeOK ChangeResult = iota
	// ChangeRxOn: a reception is in progress.
	ChangeRxOn
	ChangeWrongParameter
	ChangeWrongValue
)

func (r ChangeResult) String() string {
	switch r {
	case ChangeOK:
		return "N_OK"
	case ChangeRxOn:
		return "N_RX_ON"
	case ChangeWrongParameter:
		return "N_WRONG_PARAMETER"
	case ChangeWrongValue:
		return "N_WRONG_VALUE"
	}
	return fmt.Sprintf("N_CHANGE(%d)", uint8(r))
}
