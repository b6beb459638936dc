package isotp

import (
	"time"

	"github.com/kstaniek/go-carbus/internal/reactor"
)

type direction uint8

const (
	dirSend direction = iota
	dirRecv
)

func (d direction) String() string {
	if d == dirRecv {
		return "rx"
	}
	return "tx"
}

type sessionState uint8

const (
	stateAwaitingFC sessionState = iota
	stateSendingCF
	stateReceiving
)

// session is one in-flight segmented transfer with one peer.
type session struct {
	key   peerKey
	addr  Address
	dir   direction
	state sessionState

	total uint32
	// buf is the whole payload when sending, the reassembled part when receiving.
	buf  []byte
	sent int
	// seq is the next sequence number to send or to expect.
	seq     uint8
	bs      uint8
	inBlock int
	stmin   time.Duration
	waits   int

	// id, ext and prefix address frames sent to the peer (FF/CF or FC).
	id     uint32
	ext    bool
	prefix []byte

	timer    reactor.Timer
	deadline time.Time
	// gen invalidates callbacks of replaced timers.
	gen uint64

	pending *Pending
}

// Deadline reports when the armed timer expires; zero when none is armed.
func (s *session) Deadline() time.Time { return s.deadline }
