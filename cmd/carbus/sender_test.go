package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-carbus/internal/isotp"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   [][]byte
	to     []isotp.Address
	result isotp.Result
	err    error
}

func (f *fakeSender) Name() string { return "vcan0" }

func (f *fakeSender) Send(_ context.Context, payload []byte, to isotp.Address) (isotp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	f.to = append(f.to, to)
	return f.result, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRunSender_Once(t *testing.T) {
	s := &fakeSender{}
	to := isotp.Address{Source: 0xF1, Target: 0x10}
	if err := runSender(context.Background(), s, []byte{0x3E, 0x00}, to, 0, quietLogger()); err != nil {
		t.Fatalf("runSender: %v", err)
	}
	if s.count() != 1 || !bytes.Equal(s.sent[0], []byte{0x3E, 0x00}) || s.to[0] != to {
		t.Fatalf("sent %v to %v", s.sent, s.to)
	}
}

func TestRunSender_Repeats(t *testing.T) {
	s := &fakeSender{result: isotp.ResultTimeoutBs}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSender(ctx, s, []byte{1}, isotp.Address{Target: 0x10}, time.Millisecond, quietLogger()) }()
	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d sends", s.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runSender: %v", err)
	}
}

func TestRunSender_ErrorNotFatal(t *testing.T) {
	s := &fakeSender{err: errors.New("port closed")}
	if err := runSender(context.Background(), s, []byte{1}, isotp.Address{Target: 0x10}, 0, quietLogger()); err != nil {
		t.Fatalf("runSender: %v", err)
	}
}
