package timedcall

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/danmuck/portbroker/internal/testutil/testlog"
)

func TestDoReturnsGenuineReply(t *testing.T) {
	testlog.Start(t)

	want := bootmsg.NewErrorReply(9, 7001, bootmsg.ResultNameInUse)
	reply, timedOut, err := Do(Config{Timeout: time.Second}, 7001, func() (bootmsg.Reply, error) {
		return want, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if timedOut {
		t.Fatal("fast completion reported as timeout")
	}
	if reply != want {
		t.Fatalf("reply = %+v, want %+v", reply, want)
	}
}

func TestDoSynthesizesOnTimeout(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	defer close(release)

	reply, timedOut, err := Do(Config{Timeout: 20 * time.Millisecond}, 7001, func() (bootmsg.Reply, error) {
		<-release
		return bootmsg.Reply{}, errors.New("too late")
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !timedOut {
		t.Fatal("expired call not reported as timeout")
	}
	if reply.Complex() {
		t.Fatal("neutral reply claims a capability")
	}
	if reply.Result != bootmsg.ResultSuccess {
		t.Fatalf("neutral result = %d, want success", reply.Result)
	}
	if reply.Header.MsgID != 7001+bootmsg.ReplyOffset {
		t.Fatalf("neutral msg id = %d", reply.Header.MsgID)
	}
	if reply.Header.Size != bootmsg.ErrorReplyLen {
		t.Fatalf("neutral size = %d", reply.Header.Size)
	}
}

func TestDoPropagatesError(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("wire torn")
	_, timedOut, err := Do(Config{Timeout: time.Second}, 7001, func() (bootmsg.Reply, error) {
		return bootmsg.Reply{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if timedOut {
		t.Fatal("error completion reported as timeout")
	}
}

func TestDefaultConfig(t *testing.T) {
	testlog.Start(t)

	if got := DefaultConfig().Timeout; got != 2*time.Second {
		t.Fatalf("default timeout = %v", got)
	}
}
