// Package endpoint ties isobus/claim, isobus/dispatch and isobus/candrv
// together behind one lock into the public Endpoint contract of
// spec.md §4.6: bind an interface, claim an address, send and receive
// single-frame ISOBUS datagrams.
package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/farmlink/isobus"
	"github.com/farmlink/isobus/candrv"
	"github.com/farmlink/isobus/claim"
	"github.com/farmlink/isobus/dispatch"
)

// recvQueueDepth bounds how many undelivered messages an endpoint buffers
// before a slow reader starts losing the oldest one, a finite analogue of
// the kernel socket receive buffer.
const recvQueueDepth = 64

// Endpoint is one ISOBUS network-management client bound to a single CAN
// interface. The zero value is not usable; build one with New.
type Endpoint struct {
	mu sync.Mutex

	conn        candrv.Conn
	linkWatcher *candrv.LinkWatcher
	dispatcher  *dispatch.FrameDispatcher
	machine     *claim.Machine
	log         *log.Logger

	ifName       string
	filters      []isobus.Filter
	errMask      uint32
	loopback     bool
	recvOwnMsgs  bool
	daddr        bool
	sendPriority uint8

	bound    bool
	released bool
	asyncErr error

	cancelWatch context.CancelFunc
	queue       chan isobus.Message

	peerObserver func(sa uint8, name isobus.Name)
}

// SetPeerObserver installs a callback invoked whenever this endpoint sees
// another node's address-claimed broadcast on its network-management
// listener, independent of its own arbitration state. fn may be nil to
// stop observing. Grounded on the teacher's addressmapper.AddressMapper,
// scoped down to the lightweight last-seen cache SPEC_FULL §11 asks for
// rather than a full peer database.
func (ep *Endpoint) SetPeerObserver(fn func(sa uint8, name isobus.Name)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.peerObserver = fn
}

// New builds a fresh, unbound Endpoint per spec.md §4.6 init(): default
// filter, random NAME with default manufacturer/function and the
// self-configurable bit set. logger may be nil, in which case
// log.Default() is used.
func New(conn candrv.Conn, logger *log.Logger) *Endpoint {
	if logger == nil {
		logger = log.Default()
	}
	ep := &Endpoint{
		conn:         conn,
		linkWatcher:  candrv.NewLinkWatcher(logger),
		log:          logger,
		filters:      []isobus.Filter{isobus.DefaultFilter()},
		loopback:     true,
		recvOwnMsgs:  false,
		sendPriority: 6,
		queue:        make(chan isobus.Message, recvQueueDepth),
	}
	ep.dispatcher = dispatch.New(conn, logger)
	ep.machine = claim.New(isobus.NewRandomName(), ep, logger)
	return ep
}

// --- dispatch.Endpoint ---

func (ep *Endpoint) IfName() string { return ep.ifName }

// BoundInterface returns the name of the interface this endpoint is bound
// to, or "" if unbound. Renders isobus_getname's ifindex readback.
func (ep *Endpoint) BoundInterface() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.ifName
}

func (ep *Endpoint) Filters() []isobus.Filter {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]isobus.Filter(nil), ep.filters...)
}

func (ep *Endpoint) ErrMask() uint32 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.errMask
}

func (ep *Endpoint) OwnAddress() uint8 {
	return ep.machine.Address()
}

func (ep *Endpoint) RecvOwnMsgs() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.recvOwnMsgs
}

func (ep *Endpoint) OnAddressClaimed(sa uint8, name isobus.Name) {
	ep.machine.OnAddressClaimed(sa, name)

	ep.mu.Lock()
	observer := ep.peerObserver
	ep.mu.Unlock()
	if observer != nil {
		observer(sa, name)
	}
}

func (ep *Endpoint) OnRequestAddressClaimed(target uint8) {
	ep.machine.OnRequestAddressClaimed(target)
}

func (ep *Endpoint) Deliver(msg isobus.Message) {
	select {
	case ep.queue <- msg:
	default:
		// Slow reader: drop the oldest queued message to make room,
		// matching the finite-buffer reality of a kernel socket queue.
		select {
		case <-ep.queue:
		default:
		}
		select {
		case ep.queue <- msg:
		default:
		}
		ep.log.Warn("endpoint: receive queue full, dropped oldest message")
	}
}

// --- claim.Transport ---

func (ep *Endpoint) SendRequestAddressClaimed() error {
	var payload [3]byte
	payload[0] = byte(isobus.PGNAddressClaimed)
	payload[1] = byte(isobus.PGNAddressClaimed >> 8)
	payload[2] = byte(isobus.PGNAddressClaimed >> 16)

	canID := isobus.Encode(0, isobus.PGNRequest, isobus.GlobalAddr, isobus.NullAddr)
	return ep.sendRaw(canID, payload[:])
}

func (ep *Endpoint) SendAddressClaimed(sAddr uint8) error {
	name := ep.machine.Name()
	b := name.Bytes()
	canID := isobus.Encode(0, isobus.PGNAddressClaimed, isobus.GlobalAddr, sAddr)
	return ep.sendRaw(canID, b[:])
}

func (ep *Endpoint) sendRaw(canID uint32, data []byte) error {
	frame := candrv.Frame{CanID: canID, Len: uint8(len(data))}
	copy(frame.Data[:], data)

	ep.mu.Lock()
	ifName, loopback := ep.ifName, ep.loopback
	ep.mu.Unlock()

	return ep.conn.Send(ifName, frame, loopback)
}

// --- public contract ---

// Bind resolves ifName, refuses non-CAN or missing devices, enables the
// endpoint's filter groups and then runs address-claim arbitration for
// prefAddr. A down-but-existing interface is bound anyway, with
// ErrInterfaceDown reported alongside success.
func (ep *Endpoint) Bind(ctx context.Context, ifName string, prefAddr uint8) error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return newErr("Endpoint.Bind", isobus.ErrNoSuchInterface, nil)
	}
	if ep.bound {
		ep.mu.Unlock()
		return newErr("Endpoint.Bind", isobus.ErrInvalidArgument, fmt.Errorf("already bound"))
	}
	ep.mu.Unlock()

	exists, isCAN, up, err := ep.linkWatcher.Resolve(ifName)
	if err != nil {
		return newErr("Endpoint.Bind", isobus.ErrNoSuchInterface, err)
	}
	if !exists || !isCAN {
		return newErr("Endpoint.Bind", isobus.ErrNoSuchInterface, nil)
	}

	ep.mu.Lock()
	ep.ifName = ifName
	ep.bound = true
	ep.mu.Unlock()

	if err := ep.dispatcher.Enable(ep); err != nil {
		ep.mu.Lock()
		ep.bound = false
		ep.mu.Unlock()
		return newErr("Endpoint.Bind", isobus.ErrNoMemory, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	ep.cancelWatch = cancel
	ep.watchLink(watchCtx, ifName)

	if err := ep.machine.Claim(ctx, prefAddr); err != nil {
		return newErr("Endpoint.Bind", isobus.ErrAddressInUse, err)
	}

	if !up {
		return newErr("Endpoint.Bind", isobus.ErrInterfaceDown, nil)
	}
	return nil
}

func (ep *Endpoint) watchLink(ctx context.Context, ifName string) {
	events, err := ep.linkWatcher.Watch(ctx, ifName)
	if err != nil {
		ep.log.Warn("endpoint: failed to subscribe to link events", "if", ifName, "err", err)
		return
	}
	go func() {
		for ev := range events {
			switch ev.Kind {
			case candrv.LinkDown:
				ep.setAsyncErr(isobus.ErrNetDown)
				ep.machine.Lose()
			case candrv.LinkGone:
				ep.setAsyncErr(isobus.ErrDeviceGone)
				ep.machine.Lose()
			}
		}
	}()
}

func (ep *Endpoint) setAsyncErr(err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.asyncErr == nil {
		ep.asyncErr = err
		ep.log.Error("endpoint: async interface error", "if", ep.ifName, "err", err)
	}
}

// Send encodes msg and submits it via the driver. state must be HaveAddr.
// destAddr supplies the explicit destination a PDU1 PGN requires; it is
// ignored for PDU2. Omitting it for a PDU1 PGN fails with
// ErrInvalidArgument, matching isobus_sendmsg's "no address given for PDU 1
// PGN" rejection rather than silently defaulting the destination to 0.
func (ep *Endpoint) Send(msg isobus.Message, destAddr ...uint8) error {
	if ep.machine.State() != claim.HaveAddr {
		return newErr("Endpoint.Send", isobus.ErrAddressInUse, nil)
	}
	if err := ep.checkAsyncErr(); err != nil {
		return err
	}
	if len(msg.Data) > isobus.MaxPayloadLen {
		return newErr("Endpoint.Send", isobus.ErrInvalidArgument, fmt.Errorf("payload exceeds %d bytes", isobus.MaxPayloadLen))
	}
	if isobus.PDUFormat(msg.PGN) == 1 && len(destAddr) == 0 {
		return newErr("Endpoint.Send", isobus.ErrInvalidArgument, fmt.Errorf("no destination address given for PDU1 PGN %06X", msg.PGN))
	}

	da := msg.Destination
	if len(destAddr) > 0 {
		da = destAddr[0]
	}

	pri := msg.Priority
	ep.mu.Lock()
	if pri == 0 {
		pri = ep.sendPriority
	}
	ep.mu.Unlock()

	canID := isobus.Encode(isobus.UserPriorityToWire(pri), msg.PGN, da, ep.machine.Address())
	frame := candrv.Frame{CanID: canID, Len: uint8(len(msg.Data))}
	copy(frame.Data[:], msg.Data)

	ep.mu.Lock()
	ifName, loopback := ep.ifName, ep.loopback
	ep.mu.Unlock()

	if err := ep.conn.Send(ifName, frame, loopback); err != nil {
		return newErr("Endpoint.Send", isobus.ErrNoMemory, err)
	}
	return nil
}

// Recv pops one message from the receive queue, blocking until one
// arrives or ctx is done. Release empties the queue but does not wake a
// Recv that is already blocked; a Recv called after Release fails with
// ErrAddressInUse, since Release gives up the claimed address.
func (ep *Endpoint) Recv(ctx context.Context) (isobus.Message, error) {
	if ep.machine.State() != claim.HaveAddr {
		return isobus.Message{}, newErr("Endpoint.Recv", isobus.ErrAddressInUse, nil)
	}
	if err := ep.checkAsyncErr(); err != nil {
		return isobus.Message{}, err
	}
	select {
	case msg, ok := <-ep.queue:
		if !ok {
			return isobus.Message{}, newErr("Endpoint.Recv", isobus.ErrNoSuchInterface, fmt.Errorf("endpoint released"))
		}
		return msg, nil
	case <-ctx.Done():
		return isobus.Message{}, ctx.Err()
	}
}

func (ep *Endpoint) checkAsyncErr() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.asyncErr != nil {
		if ep.asyncErr == isobus.ErrDeviceGone {
			return newErr("Endpoint", isobus.ErrNoSuchInterface, ep.asyncErr)
		}
		return newErr("Endpoint", ep.asyncErr, nil)
	}
	return nil
}

// SetOption changes one of the option values from spec.md §6. OptName may
// only be set before Bind or after Release/a lost claim; setting it while
// bound returns ErrInvalidArgument.
func (ep *Endpoint) SetOption(opt isobus.OptionName, value any) error {
	switch opt {
	case isobus.OptFilter:
		filters, ok := value.([]isobus.Filter)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptFilter wants []isobus.Filter"))
		}
		ep.mu.Lock()
		ep.filters = append([]isobus.Filter(nil), filters...)
		ep.mu.Unlock()
		return nil
	case isobus.OptLoopback:
		b, ok := value.(bool)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptLoopback wants bool"))
		}
		ep.mu.Lock()
		ep.loopback = b
		ep.mu.Unlock()
		return nil
	case isobus.OptRecvOwnMsgs:
		b, ok := value.(bool)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptRecvOwnMsgs wants bool"))
		}
		ep.mu.Lock()
		ep.recvOwnMsgs = b
		ep.mu.Unlock()
		return nil
	case isobus.OptSendPriority:
		p, ok := value.(uint8)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptSendPriority wants uint8"))
		}
		if p > 7 {
			return newErr("Endpoint.SetOption", isobus.ErrOutOfRange, nil)
		}
		ep.mu.Lock()
		ep.sendPriority = p
		ep.mu.Unlock()
		return nil
	case isobus.OptDAddr:
		b, ok := value.(bool)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptDAddr wants bool"))
		}
		ep.mu.Lock()
		ep.daddr = b
		ep.mu.Unlock()
		return nil
	case isobus.OptName:
		name, ok := value.(isobus.Name)
		if !ok {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptName wants isobus.Name"))
		}
		if ep.machine.State() == claim.HaveAddr || ep.machine.State() == claim.WaitAddr || ep.machine.State() == claim.WaitHaveAddr {
			return newErr("Endpoint.SetOption", isobus.ErrInvalidArgument, fmt.Errorf("OptName cannot change while bound"))
		}
		ep.machine.SetName(name)
		return nil
	default:
		return newErr("Endpoint.SetOption", isobus.ErrNotSupported, nil)
	}
}

// GetOption reads back the current value of one of the option values from
// spec.md §6.
func (ep *Endpoint) GetOption(opt isobus.OptionName) (any, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch opt {
	case isobus.OptFilter:
		return append([]isobus.Filter(nil), ep.filters...), nil
	case isobus.OptLoopback:
		return ep.loopback, nil
	case isobus.OptRecvOwnMsgs:
		return ep.recvOwnMsgs, nil
	case isobus.OptSendPriority:
		return ep.sendPriority, nil
	case isobus.OptDAddr:
		return ep.daddr, nil
	case isobus.OptName:
		return ep.machine.Name(), nil
	default:
		return nil, newErr("Endpoint.GetOption", isobus.ErrNotSupported, nil)
	}
}

// Release uninstalls all filters and the link watcher, empties the queue
// and transitions the endpoint to a terminal, unusable state.
func (ep *Endpoint) Release() error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return nil
	}
	ep.released = true
	bound := ep.bound
	ep.bound = false
	ep.mu.Unlock()

	if ep.cancelWatch != nil {
		ep.cancelWatch()
	}
	if bound {
		ep.dispatcher.Disable(ep)
	}
	ep.machine.Lose()

drain:
	for {
		select {
		case <-ep.queue:
		default:
			break drain
		}
	}
	return nil
}

func newErr(op string, kind error, cause error) error {
	return isobus.WrapErr(op, kind, cause)
}
