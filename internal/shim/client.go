package shim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/danmuck/portbroker/internal/protocol/catalog"
	"golang.org/x/sys/unix"
)

// Client issues supervisor requests on behalf of one process. Every call
// dials the slot fresh, so the client tracks broker restarts without any
// reconnect logic of its own.
type Client struct {
	cfg   Config
	cache *Cache
}

func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Client{
		cfg:   cfg,
		cache: NewCache(),
	}
}

// Cache exposes the client's send-right cache.
func (c *Client) Cache() *Cache { return c.cache }

// CheckIn claims name and returns its receive right. The broker keeps a
// send right behind, so later look-ups resolve to this queue.
func (c *Client) CheckIn(name string) (*port.Port, error) {
	img := bootmsg.EncodeNameRequest(bootmsg.NameRequest{
		Header: bootmsg.Header{Bits: bootmsg.NameRequestBits, MsgID: bootmsg.MsgCheckIn},
		Name:   name,
	})
	reply, rights, err := c.roundTrip(bootmsg.MsgCheckIn, img)
	if err != nil {
		return nil, err
	}
	return c.capabilityReply(bootmsg.MsgCheckIn, name, reply, rights)
}

// Register binds name to a copy of the caller's send right. The caller
// keeps its own right. An existing binding is displaced.
func (c *Client) Register(name string, send *port.Port) error {
	return c.register(bootmsg.MsgRegister, name, send)
}

// LegacyRegister is Register in the length-prefixed form older peers emit.
func (c *Client) LegacyRegister(name string, send *port.Port) error {
	return c.register(bootmsg.MsgLegacyRegister, name, send)
}

func (c *Client) register(msgID int32, name string, send *port.Port) error {
	if send == nil || send.FD() < 0 {
		return port.ErrClosed
	}
	desc := bootmsg.Descriptor{
		Handle:      send.Handle(),
		Disposition: bootmsg.DispositionCopySend,
		Type:        bootmsg.DescriptorTypeCapability,
	}
	header := bootmsg.Header{Bits: bootmsg.RegisterRequestBits, MsgID: msgID}
	var img []byte
	if msgID == bootmsg.MsgLegacyRegister {
		img = bootmsg.EncodeLegacyRegisterRequest(bootmsg.LegacyRegisterRequest{
			Header: header, Capability: desc, Name: name,
		})
	} else {
		img = bootmsg.EncodeRegisterRequest(bootmsg.RegisterRequest{
			Header: header, Capability: desc, Name: name,
		})
	}
	reply, rights, err := c.roundTrip(msgID, img, send)
	if err != nil {
		return err
	}
	port.CloseAll(rights)
	if err := resultError(reply.Result); err != nil {
		return fmt.Errorf("%s %q: %w", catalog.Name(msgID), name, err)
	}
	// A cached right for this name now points at a displaced binding.
	c.cache.Remove(name)
	c.cfg.Log.Debug().Str("service", name).Msg("registered")
	return nil
}

// LookUp resolves name to a send right. Hits come from the cache; misses
// ask the broker and cache the result. The returned right is borrowed
// from the cache; DupSend it to keep it past an eviction.
func (c *Client) LookUp(name string) (*port.Port, error) {
	return c.lookUp(bootmsg.MsgLookUp, name)
}

// LegacyLookUp is LookUp in the length-prefixed form older peers emit.
func (c *Client) LegacyLookUp(name string) (*port.Port, error) {
	return c.lookUp(bootmsg.MsgLegacyLookUp, name)
}

func (c *Client) lookUp(msgID int32, name string) (*port.Port, error) {
	if p, ok := c.cache.Get(name); ok {
		return p, nil
	}
	header := bootmsg.Header{Bits: bootmsg.NameRequestBits, MsgID: msgID}
	var img []byte
	if msgID == bootmsg.MsgLegacyLookUp {
		img = bootmsg.EncodeLegacyNameRequest(bootmsg.LegacyNameRequest{Header: header, Name: name})
	} else {
		img = bootmsg.EncodeNameRequest(bootmsg.NameRequest{Header: header, Name: name})
	}
	reply, rights, err := c.roundTrip(msgID, img)
	if err != nil {
		return nil, err
	}
	p, err := c.capabilityReply(msgID, name, reply, rights)
	if err != nil {
		return nil, err
	}
	c.cache.Put(name, p)
	return p, nil
}

// Parent asks for the parent supervisor context. The stock broker has
// exactly one context and refuses with an invalid-right result.
func (c *Client) Parent() (*port.Port, error) {
	return c.contextRequest(bootmsg.MsgParent)
}

// Subset asks for a scoped child context. Refused like Parent.
func (c *Client) Subset() (*port.Port, error) {
	return c.contextRequest(bootmsg.MsgSubset)
}

func (c *Client) contextRequest(msgID int32) (*port.Port, error) {
	img := bootmsg.EncodeHeader(bootmsg.Header{
		Bits:  bootmsg.NameRequestBits,
		Size:  bootmsg.HeaderLen,
		MsgID: msgID,
	})
	reply, rights, err := c.roundTrip(msgID, img)
	if err != nil {
		return nil, err
	}
	return c.capabilityReply(msgID, "", reply, rights)
}

// LegacySpawn issues the retired spawn request. Conforming brokers refuse
// it; the mapped refusal is the useful part.
func (c *Client) LegacySpawn() error {
	img := bootmsg.EncodeHeader(bootmsg.Header{
		Bits:  bootmsg.NameRequestBits,
		Size:  bootmsg.HeaderLen,
		MsgID: bootmsg.MsgLegacySpawn,
	})
	reply, rights, err := c.roundTrip(bootmsg.MsgLegacySpawn, img)
	if err != nil {
		return err
	}
	port.CloseAll(rights)
	if err := resultError(reply.Result); err != nil {
		return fmt.Errorf("%s: %w", catalog.Name(bootmsg.MsgLegacySpawn), err)
	}
	return nil
}

// WaitFor polls look-up until name resolves, the context expires, or the
// broker returns a verdict retrying cannot change.
func (c *Client) WaitFor(ctx context.Context, name string) (*port.Port, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		p, err := c.LookUp(name)
		if err == nil {
			return p, nil
		}
		if !retryable(err) {
			return nil, err
		}
		delay := NextBackoffDelay(c.cfg.Backoff, attempt, rng)
		c.cfg.Log.Debug().
			Str("service", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("service not up yet")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("shim: wait for %q: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// retryable reports whether the condition can resolve on its own: the
// name is not registered yet, the broker is still coming up, or a reply
// was slow. Definitive refusals are final.
func retryable(err error) bool {
	if errors.Is(err, ErrUnknownService) ||
		errors.Is(err, ErrReplyTimeout) ||
		errors.Is(err, port.ErrSlotUnset) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.ECONNREFUSED || errno == unix.ENOENT
	}
	return false
}

func (c *Client) roundTrip(msgID int32, img []byte, caps ...*port.Port) (bootmsg.Reply, []int, error) {
	op := catalog.Name(msgID)
	conn, err := port.DialSlot()
	if err != nil {
		return bootmsg.Reply{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer conn.Close()

	if err := conn.Send(img, caps...); err != nil {
		return bootmsg.Reply{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := waitReadable(conn.FD(), c.cfg.ReplyTimeout); err != nil {
		return bootmsg.Reply{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	payload, rights, err := conn.Receive(c.cfg.MaxMessageBytes)
	if err != nil {
		return bootmsg.Reply{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	reply, err := bootmsg.DecodeReply(payload)
	if err != nil {
		port.CloseAll(rights)
		return bootmsg.Reply{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	if want := msgID + bootmsg.ReplyOffset; reply.Header.MsgID != want {
		c.cfg.Log.Debug().
			Int32("got", reply.Header.MsgID).
			Int32("want", want).
			Msg("reply id mismatch")
	}
	return reply, rights, nil
}

// capabilityReply unpacks a reply that should carry one right. The right
// kind follows the wire disposition: a moved receive right stays a
// receive right, everything else arrives as a send right.
func (c *Client) capabilityReply(msgID int32, name string, reply bootmsg.Reply, rights []int) (*port.Port, error) {
	op := catalog.Name(msgID)
	if !reply.Complex() {
		port.CloseAll(rights)
		err := resultError(reply.Result)
		if err == nil {
			err = ErrBareReply
		}
		if name != "" {
			return nil, fmt.Errorf("%s %q: %w", op, name, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(rights) == 0 {
		return nil, fmt.Errorf("%s %q: %w", op, name, ErrBareReply)
	}
	if len(rights) > 1 {
		port.CloseAll(rights[1:])
	}
	kind := port.RightSend
	if reply.Capability.Disposition == bootmsg.DispositionMoveReceive {
		kind = port.RightReceive
	}
	c.cfg.Log.Debug().
		Str("service", name).
		Uint8("disposition", reply.Capability.Disposition).
		Msg("capability received")
	return port.FromFD(rights[0], kind), nil
}

func waitReadable(fd int, timeout time.Duration) error {
	ready, err := port.PollIn(fd, timeout)
	if err != nil {
		return err
	}
	if !ready {
		return ErrReplyTimeout
	}
	return nil
}
