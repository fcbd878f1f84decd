// Package claim implements the ISOBUS address-claim arbitration state
// machine: a node proposes a preferred address, yields to any competitor
// whose NAME numerically outranks its own, and falls back to the
// self-configurable range when its preferred address loses and its NAME
// permits picking a different one.
package claim

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/farmlink/isobus"
)

// State is one stage of the address-claim state machine.
type State int

const (
	Idle State = iota
	WaitAddr
	WaitHaveAddr
	HaveAddr
	LostAddr
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitAddr:
		return "wait-addr"
	case WaitHaveAddr:
		return "wait-have-addr"
	case HaveAddr:
		return "have-addr"
	case LostAddr:
		return "lost-addr"
	default:
		return "unknown"
	}
}

// claimTimeout is the fixed wait (250ms) both claim-arbitration stages
// observe before deciding, per spec.md §4.5 (ISOBUS_ADDR_CLAIM_TIMEOUT).
const claimTimeout = 250 * time.Millisecond

// scAddrCount is the size of the self-configurable address range.
const scAddrCount = int(isobus.MaxSelfConfigurableAddr) - int(isobus.MinSelfConfigurableAddr) + 1

// Transport is the minimal sending surface Machine needs from an endpoint:
// broadcasting the two network-management PGNs. Implementations are
// expected to always target isobus.GlobalAddr except where noted.
type Transport interface {
	SendRequestAddressClaimed() error
	SendAddressClaimed(sAddr uint8) error
}

// Machine is one endpoint's address-claim arbitration state. It is not
// safe for concurrent use by multiple goroutines beyond the
// OnAddressClaimed/OnRequestAddressClaimed/Lose/Claim entry points, which
// synchronize internally.
type Machine struct {
	mu   sync.Mutex
	cond *sync.Cond

	name     isobus.Name
	prefAddr uint8
	sAddr    uint8
	prefAvail bool
	scAddrs  [scAddrCount]bool // true while address i+Min is still believed free

	state State

	transport Transport
	log       *log.Logger
}

// New builds a Machine for the given NAME, sending claim traffic through
// transport. log may be nil, in which case log.Default() is used.
func New(name isobus.Name, transport Transport, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	m := &Machine{
		name:      name,
		sAddr:     isobus.NullAddr,
		state:     Idle,
		transport: transport,
		log:       logger,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Address returns the address this machine currently holds, or
// isobus.NullAddr if it holds none.
func (m *Machine) Address() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sAddr
}

// Name returns the NAME currently used in arbitration.
func (m *Machine) Name() isobus.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// SetName updates the NAME used in arbitration. Valid only before Claim is
// called, or after Lose/a failed Claim, matching OptName's "before Bind"
// restriction in spec.md §6.
func (m *Machine) SetName(name isobus.Name) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

// Claim runs the full arbitration sequence for prefAddr (isobus.AnyAddr
// meaning no preference), blocking until the node has an address, loses
// arbitration, or ctx is canceled. It is grounded line-for-line on
// isobus_claim_addr.
func (m *Machine) Claim(ctx context.Context, prefAddr uint8) error {
	m.mu.Lock()
	m.sAddr = isobus.NullAddr
	m.state = WaitAddr
	m.prefAddr = prefAddr
	m.prefAvail = true
	for i := range m.scAddrs {
		m.scAddrs[i] = true
	}
	m.mu.Unlock()

	if err := m.transport.SendRequestAddressClaimed(); err != nil {
		return err
	}
	m.log.Debug("request for address claimed sent", "name", m.name)

	// A canceled ctx only shortens the wait; whichever state we're in once
	// it returns is what the decision logic below runs against, the same
	// way a signal interrupting wait_event_interruptible_timeout falls
	// through to the existing post-wait code instead of aborting it.
	wait := claimTimeout + isobus.RandomTransmitDelay()
	m.waitUntil(ctx, wait, func() bool { return m.state != WaitAddr })

	m.mu.Lock()
	if m.state == LostAddr {
		m.mu.Unlock()
		return isobus.ErrAddressInUse
	}

	if m.prefAddr != isobus.AnyAddr && m.prefAvail {
		m.sAddr = m.prefAddr
	} else if m.name.SelfConfigurable() {
		m.sAddr = m.availSCAddr()
	}

	if m.sAddr == isobus.NullAddr {
		m.mu.Unlock()
		m.loseAddr()
		return isobus.ErrAddressInUse
	}

	m.state = WaitHaveAddr
	sAddr := m.sAddr
	m.mu.Unlock()

	if err := m.transport.SendAddressClaimed(sAddr); err != nil {
		return err
	}
	m.log.Debug("address claimed sent", "name", m.name, "addr", sAddr)

	m.waitUntil(ctx, claimTimeout, func() bool { return m.state != WaitHaveAddr })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == LostAddr {
		return isobus.ErrAddressInUse
	}
	m.state = HaveAddr
	m.log.Debug("ready to use address", "name", m.name, "addr", m.sAddr)
	return nil
}

// availSCAddr returns the lowest free address in the self-configurable
// range, or isobus.NullAddr if none is free. Caller holds m.mu.
func (m *Machine) availSCAddr() uint8 {
	for i, free := range m.scAddrs {
		if free {
			return isobus.MinSelfConfigurableAddr + uint8(i)
		}
	}
	return isobus.NullAddr
}

// OnAddressClaimed processes an address-claimed frame observed on the bus
// from some other node (sa, claimant), grounded on
// isobus_addr_claimed_handler. sa == isobus.NullAddr (a cannot-claim
// message) is ignored, matching the source.
func (m *Machine) OnAddressClaimed(sa uint8, claimant isobus.Name) {
	if sa == isobus.NullAddr {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == WaitAddr {
		if isobus.IsSelfConfigurable(sa) {
			m.scAddrs[sa-isobus.MinSelfConfigurableAddr] = false
		}
		if sa != m.prefAddr {
			return
		}
		if m.name.Less(claimant) {
			m.state = WaitHaveAddr
			m.cond.Broadcast()
			return
		}
		m.prefAvail = false
		if !m.name.SelfConfigurable() {
			m.unlockedLoseAddr()
		}
		return
	}

	if sa != m.sAddr {
		return
	}
	if !claimant.Less(m.name) {
		// We still outrank (or tie) the contender: reassert our claim.
		sAddr := m.sAddr
		m.mu.Unlock()
		if err := m.transport.SendAddressClaimed(sAddr); err != nil {
			m.log.Warn("failed to reassert address claim", "err", err)
		}
		m.mu.Lock()
		return
	}
	m.unlockedLoseAddr()
}

// OnRequestAddressClaimed responds to a request-for-address-claimed frame
// targeting our address or the global address, grounded on
// isobus_req_addr_claimed_handler. target must already have been checked
// against the request's well-formedness by the caller (dispatch).
func (m *Machine) OnRequestAddressClaimed(target uint8) {
	m.mu.Lock()
	sAddr := m.sAddr
	m.mu.Unlock()

	if target != sAddr && target != isobus.GlobalAddr {
		return
	}
	if err := m.transport.SendAddressClaimed(sAddr); err != nil {
		m.log.Warn("failed to respond to address claim request", "err", err)
	}
}

// Lose forces the machine to give up whatever address it holds, e.g. when
// the bound interface goes down.
func (m *Machine) Lose() {
	m.loseAddr()
}

func (m *Machine) loseAddr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockedLoseAddr()
}

// unlockedLoseAddr is isobus_lose_addr: caller must hold m.mu.
func (m *Machine) unlockedLoseAddr() {
	m.sAddr = isobus.NullAddr
	m.state = LostAddr
	m.cond.Broadcast()

	m.mu.Unlock()
	if err := m.transport.SendAddressClaimed(isobus.NullAddr); err != nil {
		m.log.Warn("failed to send cannot-claim", "err", err)
	}
	m.mu.Lock()
}

// waitUntil blocks until cond() is true, d elapses, or ctx is canceled; its
// bool result is false when ctx was canceled by the time the wait ended and
// true otherwise (it does not tell cond() from a timeout), but Claim's
// post-wait logic runs unconditionally and re-reads state rather than
// trusting which waker fired, the same as wait_event_interruptible_timeout
// falling through on a signal. It renders that wait via a sync.Cond
// broadcast from three possible wakers: a bus-event handler (Broadcast when
// state changes), a timer, or a cancellation watcher.
func (m *Machine) waitUntil(ctx context.Context, d time.Duration, cond func() bool) bool {
	deadline, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-deadline.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !cond() && deadline.Err() == nil {
		m.cond.Wait()
	}
	return ctx.Err() == nil
}
