package shim

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/danmuck/portbroker/internal/testutil/testlog"
)

// startBroker serves scripted replies at a temp slot. The handler runs
// off the test goroutine, so it reports with t.Errorf, never t.Fatalf.
func startBroker(t *testing.T, handle func(req []byte, rights []int, conn *port.Port)) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.sock")
	ln, err := port.Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	t.Setenv(port.SlotEnv, path)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			req, rights, err := conn.Receive(bootmsg.DefaultLimits().MaxMessageBytes)
			if err == nil {
				handle(req, rights, conn)
			}
			conn.Close()
		}
	}()
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.ReplyTimeout = 2 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func TestCheckInDeliversReceiveRight(t *testing.T) {
	testlog.Start(t)
	brokerSide := make(chan *port.Port, 1)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		r, err := bootmsg.DecodeNameRequest(req)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if r.Header.MsgID != bootmsg.MsgCheckIn {
			t.Errorf("msg id = %d, want %d", r.Header.MsgID, bootmsg.MsgCheckIn)
		}
		if r.Name != "com.example.echo" {
			t.Errorf("name = %q", r.Name)
		}
		recv, send, err := port.AllocatePair()
		if err != nil {
			t.Errorf("allocate: %v", err)
			return
		}
		reply := bootmsg.NewPortReply(0, r.Header.MsgID, bootmsg.Descriptor{
			Handle:      recv.Handle(),
			Disposition: bootmsg.DispositionMoveReceive,
			Type:        bootmsg.DescriptorTypeCapability,
		})
		if err := conn.Send(bootmsg.EncodeReply(reply), recv); err != nil {
			t.Errorf("send reply: %v", err)
		}
		recv.Close()
		brokerSide <- send
	})

	c := NewClient(quickConfig())
	p, err := c.CheckIn("com.example.echo")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	defer p.Close()
	if p.Right() != port.RightReceive {
		t.Fatalf("right = %d, want %d", p.Right(), port.RightReceive)
	}

	send := <-brokerSide
	defer send.Close()
	if err := send.Send([]byte("nudge")); err != nil {
		t.Fatalf("send through retained right: %v", err)
	}
	got, _, err := p.Receive(64)
	if err != nil {
		t.Fatalf("receive on checked-in queue: %v", err)
	}
	if string(got) != "nudge" {
		t.Fatalf("payload = %q", got)
	}
}

func TestRegisterCopiesSendRight(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		r, err := bootmsg.DecodeRegisterRequest(req)
		if err != nil {
			t.Errorf("decode register: %v", err)
			port.CloseAll(rights)
			return
		}
		if r.Capability.Disposition != bootmsg.DispositionCopySend {
			t.Errorf("disposition = %d, want %d", r.Capability.Disposition, bootmsg.DispositionCopySend)
		}
		if len(rights) != 1 {
			t.Errorf("rights = %d, want 1", len(rights))
			port.CloseAll(rights)
			return
		}
		copied := port.FromFD(rights[0], port.RightSend)
		if err := copied.Send([]byte("from broker copy")); err != nil {
			t.Errorf("send through copied right: %v", err)
		}
		copied.Close()
		reply := bootmsg.NewErrorReply(0, r.Header.MsgID, bootmsg.ResultSuccess)
		if err := conn.Send(bootmsg.EncodeReply(reply)); err != nil {
			t.Errorf("send reply: %v", err)
		}
	})

	recv, send, err := port.AllocatePair()
	if err != nil {
		t.Fatalf("AllocatePair: %v", err)
	}
	defer recv.Close()
	defer send.Close()

	c := NewClient(quickConfig())
	if err := c.Register("com.example.registered", send); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, _, err := recv.Receive(64)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "from broker copy" {
		t.Fatalf("payload = %q", got)
	}
	// The caller's own right survives a copy-out.
	if err := send.Send([]byte("still mine")); err != nil {
		t.Fatalf("send after register: %v", err)
	}
}

func TestLookUpCachesSendRight(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		calls.Add(1)
		r, err := bootmsg.DecodeNameRequest(req)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		recv, send, err := port.AllocatePair()
		if err != nil {
			t.Errorf("allocate: %v", err)
			return
		}
		reply := bootmsg.NewPortReply(0, r.Header.MsgID, bootmsg.Descriptor{
			Handle:      send.Handle(),
			Disposition: bootmsg.DispositionCopySend,
			Type:        bootmsg.DescriptorTypeCapability,
		})
		if err := conn.Send(bootmsg.EncodeReply(reply), send); err != nil {
			t.Errorf("send reply: %v", err)
		}
		send.Close()
		recv.Close()
	})

	c := NewClient(quickConfig())
	first, err := c.LookUp("com.example.cached")
	if err != nil {
		t.Fatalf("first LookUp: %v", err)
	}
	second, err := c.LookUp("com.example.cached")
	if err != nil {
		t.Fatalf("second LookUp: %v", err)
	}
	if first != second {
		t.Fatal("second look-up did not come from the cache")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("broker calls = %d, want 1", n)
	}
	if names := c.Cache().Names(); len(names) != 1 || names[0] != "com.example.cached" {
		t.Fatalf("cache names = %v", names)
	}
}

func TestLookUpUnknownService(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		h, err := bootmsg.DecodeHeader(req)
		if err != nil {
			t.Errorf("decode header: %v", err)
			return
		}
		reply := bootmsg.NewErrorReply(0, h.MsgID, bootmsg.ResultUnknownService)
		if err := conn.Send(bootmsg.EncodeReply(reply)); err != nil {
			t.Errorf("send reply: %v", err)
		}
	})

	c := NewClient(quickConfig())
	_, err := c.LookUp("com.example.missing")
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("err = %v, want %v", err, ErrUnknownService)
	}
	if _, ok := c.Cache().Get("com.example.missing"); ok {
		t.Fatal("failed look-up was cached")
	}
}

func TestLegacyLookUpRoundTrip(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		r, err := bootmsg.DecodeLegacyNameRequest(req)
		if err != nil {
			t.Errorf("decode legacy request: %v", err)
			return
		}
		if r.Header.MsgID != bootmsg.MsgLegacyLookUp {
			t.Errorf("msg id = %d, want %d", r.Header.MsgID, bootmsg.MsgLegacyLookUp)
		}
		if r.Name != "legacy.svc" {
			t.Errorf("name = %q", r.Name)
		}
		recv, send, err := port.AllocatePair()
		if err != nil {
			t.Errorf("allocate: %v", err)
			return
		}
		reply := bootmsg.NewPortReply(0, r.Header.MsgID, bootmsg.Descriptor{
			Handle:      send.Handle(),
			Disposition: bootmsg.DispositionCopySend,
			Type:        bootmsg.DescriptorTypeCapability,
		})
		if err := conn.Send(bootmsg.EncodeReply(reply), send); err != nil {
			t.Errorf("send reply: %v", err)
		}
		send.Close()
		recv.Close()
	})

	c := NewClient(quickConfig())
	p, err := c.LegacyLookUp("legacy.svc")
	if err != nil {
		t.Fatalf("LegacyLookUp: %v", err)
	}
	if p.Right() != port.RightSend {
		t.Fatalf("right = %d, want %d", p.Right(), port.RightSend)
	}
}

func TestParentAndSubsetRefused(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		h, err := bootmsg.DecodeHeader(req)
		if err != nil {
			t.Errorf("decode header: %v", err)
			return
		}
		if h.Size != bootmsg.HeaderLen {
			t.Errorf("request size = %d, want %d", h.Size, bootmsg.HeaderLen)
		}
		reply := bootmsg.NewErrorReply(0, h.MsgID, bootmsg.ResultInvalidRight)
		if err := conn.Send(bootmsg.EncodeReply(reply)); err != nil {
			t.Errorf("send reply: %v", err)
		}
	})

	c := NewClient(quickConfig())
	if _, err := c.Parent(); !errors.Is(err, ErrInvalidRight) {
		t.Fatalf("Parent err = %v, want %v", err, ErrInvalidRight)
	}
	if _, err := c.Subset(); !errors.Is(err, ErrInvalidRight) {
		t.Fatalf("Subset err = %v, want %v", err, ErrInvalidRight)
	}
}

func TestLegacySpawnNotSupported(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		h, err := bootmsg.DecodeHeader(req)
		if err != nil {
			t.Errorf("decode header: %v", err)
			return
		}
		reply := bootmsg.NewErrorReply(0, h.MsgID, bootmsg.ResultNotSupported)
		if err := conn.Send(bootmsg.EncodeReply(reply)); err != nil {
			t.Errorf("send reply: %v", err)
		}
	})

	c := NewClient(quickConfig())
	if err := c.LegacySpawn(); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want %v", err, ErrNotSupported)
	}
}

func TestWaitForRetriesUntilRegistered(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		n := calls.Add(1)
		r, err := bootmsg.DecodeNameRequest(req)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if n < 3 {
			reply := bootmsg.NewErrorReply(0, r.Header.MsgID, bootmsg.ResultUnknownService)
			conn.Send(bootmsg.EncodeReply(reply))
			return
		}
		recv, send, err := port.AllocatePair()
		if err != nil {
			t.Errorf("allocate: %v", err)
			return
		}
		reply := bootmsg.NewPortReply(0, r.Header.MsgID, bootmsg.Descriptor{
			Handle:      send.Handle(),
			Disposition: bootmsg.DispositionCopySend,
			Type:        bootmsg.DescriptorTypeCapability,
		})
		conn.Send(bootmsg.EncodeReply(reply), send)
		send.Close()
		recv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(quickConfig())
	p, err := c.WaitFor(ctx, "com.example.slow")
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if p.Right() != port.RightSend {
		t.Fatalf("right = %d, want %d", p.Right(), port.RightSend)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("broker calls = %d, want 3", n)
	}
}

func TestWaitForStopsOnFinalVerdict(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		calls.Add(1)
		h, err := bootmsg.DecodeHeader(req)
		if err != nil {
			t.Errorf("decode header: %v", err)
			return
		}
		reply := bootmsg.NewErrorReply(0, h.MsgID, bootmsg.ResultNotPrivileged)
		conn.Send(bootmsg.EncodeReply(reply))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(quickConfig())
	_, err := c.WaitFor(ctx, "com.example.privileged")
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("err = %v, want %v", err, ErrNotPrivileged)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("broker calls = %d, want 1", n)
	}
}

func TestReplyTimeout(t *testing.T) {
	testlog.Start(t)
	startBroker(t, func(req []byte, rights []int, conn *port.Port) {
		port.CloseAll(rights)
		time.Sleep(300 * time.Millisecond)
	})

	cfg := quickConfig()
	cfg.ReplyTimeout = 50 * time.Millisecond
	c := NewClient(cfg)
	_, err := c.LookUp("com.example.silent")
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("err = %v, want %v", err, ErrReplyTimeout)
	}
}

func TestUnsetSlotFailsFast(t *testing.T) {
	testlog.Start(t)
	t.Setenv(port.SlotEnv, "")
	c := NewClient(quickConfig())
	_, err := c.CheckIn("com.example.orphan")
	if !errors.Is(err, port.ErrSlotUnset) {
		t.Fatalf("err = %v, want %v", err, port.ErrSlotUnset)
	}
}

func TestResultErrorMapping(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		code int32
		want error
	}{
		{bootmsg.ResultNotPrivileged, ErrNotPrivileged},
		{bootmsg.ResultNameInUse, ErrNameInUse},
		{bootmsg.ResultUnknownService, ErrUnknownService},
		{bootmsg.ResultServiceActive, ErrServiceActive},
		{bootmsg.ResultBadCount, ErrBadCount},
		{bootmsg.ResultNoMemory, ErrNoMemory},
		{bootmsg.ResultInvalidRight, ErrInvalidRight},
		{bootmsg.ResultNotSupported, ErrNotSupported},
		{bootmsg.ResultBadID, ErrBadMessageID},
	}
	for _, tc := range cases {
		if got := resultError(tc.code); !errors.Is(got, tc.want) {
			t.Fatalf("resultError(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if err := resultError(bootmsg.ResultSuccess); err != nil {
		t.Fatalf("resultError(success) = %v, want nil", err)
	}
	if err := resultError(9999); err == nil {
		t.Fatal("unknown code mapped to nil")
	}
}
