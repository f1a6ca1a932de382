// Package timedcall bounds the one synchronous exchange that may not
// stall forward progress. Every other blocking call site blocks by
// contract or is fire-and-forget; none of them belong here.
package timedcall

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

// Config bounds one exchange.
type Config struct {
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second}
}

// Neutral is the stand-in reply returned when the deadline passes:
// success-coded, plain shape, correlated to the request id. Callers see
// a well-formed reply either way; absence is never surfaced.
func Neutral(requestID int32) bootmsg.Reply {
	return bootmsg.NewErrorReply(0, requestID, bootmsg.ResultSuccess)
}

// Do issues fn in its own goroutine and waits up to cfg.Timeout for the
// exchange to complete. A completion hands back the genuine reply and
// error unmodified; the deadline passing hands back the neutral reply
// with timedOut set. A late completion lands in the buffered channel and
// is dropped, so the goroutine never blocks on an abandoned wait.
func Do(cfg Config, requestID int32, fn func() (bootmsg.Reply, error)) (reply bootmsg.Reply, timedOut bool, err error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	type result struct {
		reply bootmsg.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, e := fn()
		done <- result{reply: r, err: e}
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.reply, false, res.err
	case <-timer.C:
		log.Warn().
			Int32("request_id", requestID).
			Dur("timeout", cfg.Timeout).
			Msg("bounded call expired, synthesizing reply")
		return Neutral(requestID), true, nil
	}
}
