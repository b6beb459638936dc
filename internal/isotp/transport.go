package isotp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/logging"
	"github.com/kstaniek/go-carbus/internal/metrics"
	"github.com/kstaniek/go-carbus/internal/reactor"
)

// FrameWriter transmits one frame on the bus.
type FrameWriter interface {
	WriteFrame(can.Frame) error
}

// Handler receives reassembled messages. Aborted receptions are reported
// with the partial payload and the failure result.
type Handler interface {
	OnMessage(payload []byte, from Address, result Result)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(payload []byte, from Address, result Result)

func (f HandlerFunc) OnMessage(p []byte, from Address, r Result) { f(p, from, r) }

// Indication reports a protocol event that carries no message, such as the
// start of a segmented reception or a discarded frame.
type Indication struct {
	From   Address
	Result Result
	// Length is the announced message length, when known.
	Length uint32
}

// Option customizes a Transport.
type Option func(*Transport)

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option { return func(t *Transport) { t.cfg = c } }

// WithLogger sets the logger used for session events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithIndication installs a callback for Indications.
func WithIndication(fn func(Indication)) Option { return func(t *Transport) { t.indicate = fn } }

type sendRequest struct {
	payload []byte
	to      Address
	pending *Pending
}

// Transport segments outgoing messages and reassembles incoming ones for
// one node. It is not safe for concurrent use: every method and every timer
// callback must run on the same loop that backs the Scheduler.
type Transport struct {
	cfg      Config
	addr     Addressing
	link     FrameWriter
	sched    reactor.Scheduler
	handler  Handler
	indicate func(Indication)
	log      *slog.Logger

	// stmin is the raw STmin advertised in flow control frames.
	stmin    uint8
	sessions map[peerKey]*session
	queue    map[peerKey][]*sendRequest
	closed   bool
}

// New builds a Transport writing frames to link.
func New(link FrameWriter, addressing Addressing, h Handler, sched reactor.Scheduler, opts ...Option) (*Transport, error) {
	if link == nil || addressing == nil || h == nil || sched == nil {
		return nil, fmt.Errorf("%w: isotp transport needs link, addressing, handler and scheduler", can.ErrConfiguration)
	}
	t := &Transport{
		cfg:      DefaultConfig(),
		addr:     addressing,
		link:     link,
		sched:    sched,
		handler:  h,
		log:      logging.For("isotp"),
		sessions: make(map[peerKey]*session),
		queue:    make(map[peerKey][]*sendRequest),
	}
	for _, o := range opts {
		o(t)
	}
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}
	t.stmin = EncodeSTmin(t.cfg.STmin)
	return t, nil
}

// Config returns the parameters in effect, including changed ones.
func (t *Transport) Config() Config {
	c := t.cfg
	c.STmin = DecodeSTmin(t.stmin)
	return c
}

// Sessions returns the number of transfers in progress.
func (t *Transport) Sessions() int { return len(t.sessions) }

// Queued returns the number of sends waiting for a busy peer.
func (t *Transport) Queued() int {
	n := 0
	for _, q := range t.queue {
		n += len(q)
	}
	return n
}

// Send transmits payload to the target in to. The returned Pending resolves
// once the transfer completes or fails. A send to a peer with a transfer in
// progress is queued behind it.
func (t *Transport) Send(payload []byte, to Address) *Pending {
	p := newPending()
	req := &sendRequest{payload: bytes.Clone(payload), to: to, pending: p}
	if t.closed {
		t.reject(req, errors.New("transport closed"))
		return p
	}
	_, _, prefix, err := t.addr.Frame(to)
	if err != nil {
		t.reject(req, err)
		return p
	}
	switch {
	case len(payload) == 0:
		t.reject(req, errors.New("empty payload"))
		return p
	case uint64(len(payload)) > MaxMessageLen:
		t.reject(req, errors.New("payload too large"))
		return p
	case to.TargetType == Functional && len(payload) > maxSFDataLen-len(prefix):
		t.reject(req, errors.New("functional messages must fit a single frame"))
		return p
	}
	key := keyFor(to.Target, prefix)
	if t.sessions[key] != nil || len(t.queue[key]) > 0 {
		t.queue[key] = append(t.queue[key], req)
		t.log.Debug("isotp_send_queued", "to", to, "len", len(payload), "queued", len(t.queue[key]))
		return p
	}
	t.start(req)
	return p
}

func (t *Transport) reject(req *sendRequest, err error) {
	t.log.Warn("isotp_send_rejected", "to", req.to, "len", len(req.payload), "error", err)
	t.observe(dirSend, ResultError)
	req.pending.resolve(ResultError)
}

func keyFor(node uint8, prefix []byte) peerKey {
	if len(prefix) == 1 {
		return peerKey{node: node, ext: prefix[0], hasExt: true}
	}
	return peerKey{node: node}
}

func rxKey(a Address) peerKey {
	return peerKey{node: a.Source, ext: a.Extension, hasExt: a.HasExtension}
}

func (t *Transport) start(req *sendRequest) {
	id, ext, prefix, err := t.addr.Frame(req.to)
	if err != nil {
		t.reject(req, err)
		return
	}
	payload := req.payload
	if len(payload) <= maxSFDataLen-len(prefix) {
		r := ResultOK
		if err := t.writePDU(id, ext, prefix, AppendSingleFrame(make([]byte, 0, 8), payload)); err != nil {
			r = t.writeFailure(req.to, err)
		}
		t.observe(dirSend, r)
		req.pending.resolve(r)
		return
	}
	s := &session{
		key:     keyFor(req.to.Target, prefix),
		addr:    req.to,
		dir:     dirSend,
		state:   stateAwaitingFC,
		total:   uint32(len(payload)),
		buf:     payload,
		seq:     1,
		id:      id,
		ext:     ext,
		prefix:  prefix,
		pending: req.pending,
	}
	t.open(s)
	pdu := AppendFirstFrameHeader(make([]byte, 0, 8), s.total)
	n := 8 - len(prefix) - len(pdu)
	pdu = append(pdu, payload[:n]...)
	if err := t.writePDU(id, ext, prefix, pdu); err != nil {
		t.end(s, t.writeFailure(s.addr, err))
		return
	}
	s.sent = n
	t.log.Debug("isotp_tx_start", "to", s.addr, "len", s.total)
	t.arm(s, t.cfg.TimeoutBs, t.timeoutBs)
}

// OnFrame feeds one received frame. Frames not addressed to this node are
// ignored.
func (t *Transport) OnFrame(f can.Frame) {
	if t.closed || f.Error || f.Remote {
		return
	}
	a, off, ok := t.addr.Resolve(f)
	if !ok {
		return
	}
	data := f.Payload()
	if off > len(data) {
		return
	}
	p, err := ParsePDU(data[off:])
	if err != nil {
		metrics.IncMalformed()
		t.log.Debug("isotp_malformed_pdu", "from", a, "frame", f.String(), "error", err)
		return
	}
	if p.Type == FirstFrame && p.Length <= uint32(maxSFDataLen-off) {
		metrics.IncMalformed()
		t.log.Debug("isotp_malformed_pdu", "from", a, "frame", f.String(), "error", "FF length fits a single frame")
		return
	}
	switch p.Type {
	case SingleFrame:
		t.onSingleFrame(a, p)
	case FirstFrame:
		t.onFirstFrame(a, p)
	case ConsecutiveFrame:
		t.onConsecutiveFrame(a, p)
	case FlowControl:
		t.onFlowControl(a, p)
	}
}

func (t *Transport) onSingleFrame(a Address, p PDU) {
	key := rxKey(a)
	if s := t.sessions[key]; s != nil && s.dir == dirRecv {
		t.finish(s, ResultUnexpectedPDU)
	}
	t.observe(dirRecv, ResultOK)
	t.handler.OnMessage(bytes.Clone(p.Data), a, ResultOK)
	t.startNext(key)
}

func (t *Transport) onFirstFrame(a Address, p PDU) {
	if a.TargetType == Functional {
		t.unexpected(a, p)
		return
	}
	key := rxKey(a)
	if s := t.sessions[key]; s != nil {
		if s.dir == dirSend {
			t.unexpected(a, p)
			return
		}
		t.finish(s, ResultUnexpectedPDU)
	}
	if p.Length > t.cfg.RxBufferSize {
		t.log.Warn("isotp_rx_rejected", "from", a, "len", p.Length, "limit", t.cfg.RxBufferSize)
		t.observe(dirRecv, ResultBufferOverflow)
		t.notify(a, ResultBufferOverflow, p.Length)
		t.startNext(key)
		return
	}
	id, ext, prefix, err := t.addr.Frame(a.Reply())
	if err != nil {
		t.log.Warn("isotp_rx_no_route", "from", a, "error", err)
		t.startNext(key)
		return
	}
	s := &session{
		key:    key,
		addr:   a,
		dir:    dirRecv,
		state:  stateReceiving,
		total:  p.Length,
		buf:    append(make([]byte, 0, p.Length), p.Data...),
		seq:    1,
		bs:     t.cfg.BlockSize,
		id:     id,
		ext:    ext,
		prefix: prefix,
	}
	t.open(s)
	t.notify(a, ResultOK, p.Length)
	t.log.Debug("isotp_rx_start", "from", a, "len", p.Length)
	if err := t.sendFlowControl(s, ContinueToSend); err != nil {
		t.end(s, t.writeFailure(a, err))
		return
	}
	t.arm(s, t.cfg.TimeoutCr, t.timeoutCr)
}

func (t *Transport) onConsecutiveFrame(a Address, p PDU) {
	s := t.sessions[rxKey(a)]
	if s == nil || s.dir != dirRecv {
		t.unexpected(a, p)
		return
	}
	// only the last CF of a message may be short
	if want := min(int(s.total)-len(s.buf), maxSFDataLen-len(s.prefix)); len(p.Data) < want {
		t.log.Debug("isotp_short_cf", "from", a, "want", want, "got", len(p.Data))
		return
	}
	if p.SequenceNumber != s.seq {
		t.log.Warn("isotp_wrong_sn", "from", a, "want", s.seq, "got", p.SequenceNumber)
		t.end(s, ResultWrongSequenceNumber)
		return
	}
	chunk := p.Data
	if need := int(s.total) - len(s.buf); len(chunk) > need {
		chunk = chunk[:need]
	}
	s.buf = append(s.buf, chunk...)
	if len(s.buf) == int(s.total) {
		t.end(s, ResultOK)
		return
	}
	s.seq = (s.seq + 1) & 0x0F
	if s.bs > 0 {
		s.inBlock++
		if s.inBlock == int(s.bs) {
			s.inBlock = 0
			if err := t.sendFlowControl(s, ContinueToSend); err != nil {
				t.end(s, t.writeFailure(a, err))
				return
			}
		}
	}
	t.arm(s, t.cfg.TimeoutCr, t.timeoutCr)
}

func (t *Transport) onFlowControl(a Address, p PDU) {
	s := t.sessions[rxKey(a)]
	if s == nil || s.dir != dirSend {
		t.unexpected(a, p)
		return
	}
	if s.state != stateAwaitingFC {
		t.log.Debug("isotp_fc_ignored", "from", a, "fs", p.FlowStatus)
		return
	}
	switch p.FlowStatus {
	case ContinueToSend:
		s.waits = 0
		s.bs = p.BlockSize
		s.inBlock = 0
		s.stmin = DecodeSTmin(p.STmin)
		s.state = stateSendingCF
		t.disarm(s)
		t.sendConsecutive(s)
	case Wait:
		s.waits++
		if s.waits > t.cfg.MaxWaitFrames {
			t.end(s, ResultFlowControlOverrun)
			return
		}
		t.arm(s, t.cfg.TimeoutBs, t.timeoutBs)
	case Overflow:
		t.end(s, ResultBufferOverflow)
	default:
		t.end(s, ResultInvalidFlowStatus)
	}
}

func (t *Transport) sendConsecutive(s *session) {
	n := min(maxSFDataLen-len(s.prefix), len(s.buf)-s.sent)
	pdu := AppendConsecutiveFrameHeader(make([]byte, 0, 8), s.seq)
	pdu = append(pdu, s.buf[s.sent:s.sent+n]...)
	if err := t.writePDU(s.id, s.ext, s.prefix, pdu); err != nil {
		t.end(s, t.writeFailure(s.addr, err))
		return
	}
	s.sent += n
	s.seq = (s.seq + 1) & 0x0F
	if s.sent == len(s.buf) {
		t.end(s, ResultOK)
		return
	}
	if s.bs > 0 {
		s.inBlock++
		if s.inBlock == int(s.bs) {
			s.state = stateAwaitingFC
			t.arm(s, t.cfg.TimeoutBs, t.timeoutBs)
			return
		}
	}
	t.arm(s, s.stmin, t.sendConsecutive)
}

func (t *Transport) sendFlowControl(s *session, fs FlowStatus) error {
	return t.writePDU(s.id, s.ext, s.prefix, AppendFlowControl(make([]byte, 0, 3), fs, s.bs, t.stmin))
}

func (t *Transport) timeoutBs(s *session) {
	t.log.Warn("isotp_timeout", "timer", "N_Bs", "to", s.addr, "sent", s.sent, "len", s.total)
	t.end(s, ResultTimeoutBs)
}

func (t *Transport) timeoutCr(s *session) {
	t.log.Warn("isotp_timeout", "timer", "N_Cr", "from", s.addr, "received", len(s.buf), "len", s.total)
	t.end(s, ResultTimeoutCr)
}

func (t *Transport) unexpected(a Address, p PDU) {
	t.log.Debug("isotp_unexpected_pdu", "from", a, "type", p.Type)
	t.notify(a, ResultUnexpectedPDU, p.Length)
}

func (t *Transport) notify(a Address, r Result, length uint32) {
	if t.indicate != nil {
		t.indicate(Indication{From: a, Result: r, Length: length})
	}
}

func (t *Transport) writePDU(id uint32, ext bool, prefix, pdu []byte) error {
	var data [can.MaxDataLen]byte
	n := copy(data[:], prefix)
	n += copy(data[n:], pdu)
	if t.cfg.Padding {
		for i := n; i < len(data); i++ {
			data[i] = t.cfg.PaddingByte
		}
		n = len(data)
	}
	f, err := can.NewFrame(id, ext, false, data[:n])
	if err != nil {
		return err
	}
	return t.link.WriteFrame(f)
}

// writeFailure maps a link write error: timeouts are N_As/N_Ar expiries.
func (t *Transport) writeFailure(a Address, err error) Result {
	metrics.IncError(metrics.ErrISOTPWrite)
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		t.log.Warn("isotp_timeout", "timer", "N_A", "peer", a, "error", err)
		return ResultTimeoutA
	}
	t.log.Error("isotp_write_failed", "peer", a, "error", err)
	return ResultError
}

func (t *Transport) open(s *session) {
	t.sessions[s.key] = s
	metrics.AddSessions(1)
}

// arm replaces the session timer. A session has at most one timer.
func (t *Transport) arm(s *session, d time.Duration, fire func(*session)) {
	t.disarm(s)
	s.gen++
	gen := s.gen
	s.deadline = t.sched.Now().Add(d)
	s.timer = t.sched.AfterFunc(d, func() {
		if t.sessions[s.key] != s || s.gen != gen {
			return
		}
		s.timer = nil
		s.deadline = time.Time{}
		fire(s)
	})
}

func (t *Transport) disarm(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

// finish removes s and reports r without starting queued sends.
func (t *Transport) finish(s *session, r Result) {
	t.disarm(s)
	s.gen++
	if t.sessions[s.key] == s {
		delete(t.sessions, s.key)
		metrics.AddSessions(-1)
	}
	t.observe(s.dir, r)
	switch s.dir {
	case dirSend:
		if !r.OK() {
			t.log.Warn("isotp_tx_aborted", "to", s.addr, "result", r, "sent", s.sent, "len", s.total)
		} else {
			t.log.Debug("isotp_tx_done", "to", s.addr, "len", s.total)
		}
		s.pending.resolve(r)
	case dirRecv:
		if !r.OK() {
			t.log.Warn("isotp_rx_aborted", "from", s.addr, "result", r, "received", len(s.buf), "len", s.total)
		}
		t.handler.OnMessage(s.buf, s.addr, r)
	}
}

func (t *Transport) end(s *session, r Result) {
	t.finish(s, r)
	t.startNext(s.key)
}

func (t *Transport) startNext(key peerKey) {
	for !t.closed && t.sessions[key] == nil && len(t.queue[key]) > 0 {
		req := t.queue[key][0]
		if rest := t.queue[key][1:]; len(rest) > 0 {
			t.queue[key] = rest
		} else {
			delete(t.queue, key)
		}
		t.start(req)
	}
}

func (t *Transport) observe(d direction, r Result) {
	metrics.ObserveResult(d.String(), r.String(), r.OK())
}

// ChangeParameter adjusts the values advertised to senders. It is refused
// while a reception is in progress.
func (t *Transport) ChangeParameter(p Parameter, value int) ChangeResult {
	for _, s := range t.sessions {
		if s.dir == dirRecv {
			return ChangeRxOn
		}
	}
	switch p {
	case ParamSTmin:
		if value < 0 || value > 0xF9 || (value > 0x7F && value < 0xF1) {
			return ChangeWrongValue
		}
		t.stmin = uint8(value)
	case ParamBlockSize:
		if value < 0 || value > 0xFF {
			return ChangeWrongValue
		}
		t.cfg.BlockSize = uint8(value)
	default:
		return ChangeWrongParameter
	}
	t.log.Info("isotp_parameter_changed", "param", p, "value", value)
	return ChangeOK
}

// Close aborts every session and queued send with ResultError.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for _, s := range t.sessions {
		t.finish(s, ResultError)
	}
	for k, q := range t.queue {
		for _, req := range q {
			t.observe(dirSend, ResultError)
			req.pending.resolve(ResultError)
		}
		delete(t.queue, k)
	}
}
