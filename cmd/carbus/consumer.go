package main

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
)

// maxLoggedPayload caps the hex dump of one message.
const maxLoggedPayload = 64

// appConsumer logs everything the ports deliver. Callbacks run on port
// loops and only log.
type appConsumer struct {
	l       *slog.Logger
	filters []can.Filter
}

func newAppConsumer(l *slog.Logger, filters []can.Filter) *appConsumer {
	return &appConsumer{l: l, filters: filters}
}

func (c *appConsumer) OnMessage(payload []byte, from isotp.Address, r isotp.Result) {
	data := payload
	if len(data) > maxLoggedPayload {
		data = data[:maxLoggedPayload]
	}
	lvl := slog.LevelInfo
	if !r.OK() {
		lvl = slog.LevelWarn
	}
	c.l.Log(context.Background(), lvl, "isotp_message", "from", from.String(), "result", r.String(), "len", len(payload), "data", hex.EncodeToString(data))
}

func (c *appConsumer) OnErrorFrame(r can.Received) {
	if r.Report == nil {
		c.l.Warn("can_error_frame", "frame", r.Frame.String())
		return
	}
	c.l.Warn("can_error_frame", "report", r.Report.String())
}

func (c *appConsumer) onIndication(ind isotp.Indication) {
	c.l.Debug("isotp_indication", "from", ind.From.String(), "result", ind.Result.String(), "len", ind.Length)
}

// onFrame is the monitor hook.
func (c *appConsumer) onFrame(r can.Received) {
	if r.Frame.Error || !can.Accept(c.filters, r.Frame) {
		return
	}
	c.l.Info("frame", "frame", r.Frame.String(), "ts", r.Timestamp)
}
