package port

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/danmuck/portbroker/internal/testutil/testlog"
)

func mustPair(t *testing.T) (recv, send *Port) {
	t.Helper()
	recv, send, err := AllocatePair()
	if err != nil {
		t.Fatalf("AllocatePair: %v", err)
	}
	t.Cleanup(func() {
		recv.Close()
		send.Close()
	})
	return recv, send
}

func TestAllocatePairCarriesDatagrams(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)

	if recv.Right() != RightReceive {
		t.Fatalf("receive side right = %d, want %d", recv.Right(), RightReceive)
	}
	if send.Right() != RightSend {
		t.Fatalf("send side right = %d, want %d", send.Right(), RightSend)
	}

	first := []byte("first record")
	second := []byte("second")
	if err := send.Send(first); err != nil {
		t.Fatalf("send first: %v", err)
	}
	if err := send.Send(second); err != nil {
		t.Fatalf("send second: %v", err)
	}

	got, rights, err := recv.Receive(256)
	if err != nil {
		t.Fatalf("receive first: %v", err)
	}
	if len(rights) != 0 {
		t.Fatalf("unexpected rights on plain datagram: %d", len(rights))
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("first record = %q, want %q", got, first)
	}

	got, _, err = recv.Receive(256)
	if err != nil {
		t.Fatalf("receive second: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("second record = %q, want %q", got, second)
	}
}

func TestDupSendSharesQueue(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)

	dup, err := send.DupSend()
	if err != nil {
		t.Fatalf("DupSend: %v", err)
	}
	defer dup.Close()
	if dup.FD() == send.FD() {
		t.Fatal("dup returned the same descriptor")
	}

	if err := dup.Send([]byte("via dup")); err != nil {
		t.Fatalf("send via dup: %v", err)
	}
	got, _, err := recv.Receive(64)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "via dup" {
		t.Fatalf("payload = %q", got)
	}

	if _, err := recv.DupSend(); !errors.Is(err, ErrNotSend) {
		t.Fatalf("DupSend on receive right: err = %v, want %v", err, ErrNotSend)
	}
}

func TestRightsTransfer(t *testing.T) {
	testlog.Start(t)
	connA, connB := mustPair(t)
	recv, send := mustPair(t)

	if err := connA.Send([]byte("take this"), send); err != nil {
		t.Fatalf("send with right: %v", err)
	}
	payload, rights, err := connB.Receive(64)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(payload) != "take this" {
		t.Fatalf("payload = %q", payload)
	}
	if len(rights) != 1 {
		t.Fatalf("rights = %d, want 1", len(rights))
	}

	moved := FromFD(rights[0], RightSend)
	defer moved.Close()
	if err := moved.Send([]byte("through moved right")); err != nil {
		t.Fatalf("send through moved right: %v", err)
	}
	got, _, err := recv.Receive(64)
	if err != nil {
		t.Fatalf("receive through original queue: %v", err)
	}
	if string(got) != "through moved right" {
		t.Fatalf("payload = %q", got)
	}
}

func TestSendToDeadDestination(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)

	if err := recv.Close(); err != nil {
		t.Fatalf("close receive right: %v", err)
	}
	err := send.Send([]byte("nobody home"))
	if !errors.Is(err, ErrDestinationInvalid) {
		t.Fatalf("err = %v, want %v", err, ErrDestinationInvalid)
	}
}

func TestReceiveAfterSenderGone(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)

	if err := send.Close(); err != nil {
		t.Fatalf("close send right: %v", err)
	}
	_, _, err := recv.Receive(64)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestTruncatedDatagramIsRejected(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)

	if err := send.Send(make([]byte, 512)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, _, err := recv.Receive(16)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want %v", err, ErrTruncated)
	}
}

func TestSlotRereadOnEveryCall(t *testing.T) {
	testlog.Start(t)
	t.Setenv(SlotEnv, "/tmp/one.sock")
	if got := Slot(); got != "/tmp/one.sock" {
		t.Fatalf("Slot() = %q", got)
	}
	t.Setenv(SlotEnv, "/tmp/two.sock")
	if got := Slot(); got != "/tmp/two.sock" {
		t.Fatalf("Slot() after repoint = %q, want /tmp/two.sock", got)
	}

	t.Setenv(SlotEnv, "")
	if _, err := DialSlot(); !errors.Is(err, ErrSlotUnset) {
		t.Fatalf("DialSlot with empty slot: err = %v, want %v", err, ErrSlotUnset)
	}
}

func TestSlotAssignment(t *testing.T) {
	testlog.Start(t)
	if got := SlotAssignment("/run/broker.sock"); got != "PORTBROKER_SOCKET=/run/broker.sock" {
		t.Fatalf("SlotAssignment = %q", got)
	}
}

func TestListenDialAccept(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broker.sock")

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	if err := client.Send([]byte("hello broker")); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got, _, err := conn.Receive(64)
	if err != nil {
		t.Fatalf("broker receive: %v", err)
	}
	if string(got) != "hello broker" {
		t.Fatalf("payload = %q", got)
	}

	if err := conn.Send([]byte("hello client")); err != nil {
		t.Fatalf("broker send: %v", err)
	}
	got, _, err = client.Receive(64)
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if string(got) != "hello client" {
		t.Fatalf("payload = %q", got)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broker.sock")

	first, err := Listen(path)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	first.Close()

	second, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	second.Close()
}

func TestCloseIsTerminal(t *testing.T) {
	testlog.Start(t)
	recv, send := mustPair(t)
	_ = send

	if err := recv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := recv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := recv.Receive(16); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive on closed port: err = %v, want %v", err, ErrClosed)
	}
	if recv.Handle() != 0 {
		t.Fatalf("closed port handle = %d, want 0", recv.Handle())
	}
	if fd := recv.FD(); fd != -1 {
		t.Fatalf("closed port fd = %d, want -1", fd)
	}
}

func TestAccept4FlagsSet(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "broker.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	flags, err := unix.FcntlInt(uintptr(conn.FD()), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("fcntl: %v", err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		t.Fatal("accepted connection missing FD_CLOEXEC")
	}
}
