// Package dispatch installs an endpoint's filters with a candrv.Conn and
// turns matching raw frames into either network-management events (routed
// to an address-claim Machine) or user-visible Messages, per spec.md §4.4.
package dispatch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/farmlink/isobus"
	"github.com/farmlink/isobus/candrv"
)

// Endpoint is the narrow collaborator contract dispatch needs from an
// isobus/endpoint.Endpoint, kept here (rather than imported) to avoid a
// dependency cycle: endpoint imports dispatch, not the reverse.
type Endpoint interface {
	// IfName is the interface this endpoint is bound to.
	IfName() string
	// Filters is the current user filter set (isobus.OptFilter).
	Filters() []isobus.Filter
	// ErrMask is the raw CAN error-frame mask to additionally listen for,
	// or 0 to skip the error-frame registration group entirely.
	ErrMask() uint32
	// OwnAddress returns the address this endpoint currently holds, or
	// isobus.NullAddr if it holds none yet.
	OwnAddress() uint8
	// RecvOwnMsgs is the endpoint's isobus.OptRecvOwnMsgs setting.
	RecvOwnMsgs() bool

	// OnAddressClaimed and OnRequestAddressClaimed forward network
	// management frames to the endpoint's claim.Machine.
	OnAddressClaimed(sa uint8, name isobus.Name)
	OnRequestAddressClaimed(target uint8)
	// Deliver enqueues a fully decoded user message.
	Deliver(msg isobus.Message)
}

// FrameDispatcher installs/uninstalls an endpoint's registrations with a
// candrv.Conn and translates received frames.
type FrameDispatcher struct {
	conn candrv.Conn
	log  *log.Logger

	handles map[Endpoint][]candrv.RegHandle
}

// New builds a FrameDispatcher using conn to talk to the CAN driver.
// logger may be nil, in which case log.Default() is used.
func New(conn candrv.Conn, logger *log.Logger) *FrameDispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &FrameDispatcher{
		conn:    conn,
		log:     logger,
		handles: make(map[Endpoint][]candrv.RegHandle),
	}
}

// group is one set of registrations installed together; a failure partway
// through a group rolls back everything already installed in that group.
type group struct {
	name    string
	entries []entry
}

type entry struct {
	canID, canMask uint32
	cb             candrv.RecvFunc
}

// Enable installs ep's registrations: the user filter set, the two
// network-management listeners, and (if ep.ErrMask() != 0) the error-frame
// listener. Grounded on isobus_enable_allfilters: transactional per group,
// and groups already installed are unwound in reverse order if a later
// group fails.
func (d *FrameDispatcher) Enable(ep Endpoint) error {
	groups := d.buildGroups(ep)

	var installed []candrv.RegHandle
	for _, g := range groups {
		handles, err := d.installGroup(ep.IfName(), g)
		if err != nil {
			d.unregisterAll(installed)
			return fmt.Errorf("dispatch: enabling group %q: %w", g.name, err)
		}
		installed = append(installed, handles...)
	}

	d.handles[ep] = installed
	return nil
}

// Disable uninstalls every registration Enable made for ep.
func (d *FrameDispatcher) Disable(ep Endpoint) {
	d.unregisterAll(d.handles[ep])
	delete(d.handles, ep)
}

func (d *FrameDispatcher) installGroup(ifName string, g group) ([]candrv.RegHandle, error) {
	var handles []candrv.RegHandle
	for _, e := range g.entries {
		h, err := d.conn.Register(ifName, e.canID, e.canMask, e.cb)
		if err != nil {
			d.unregisterAll(handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// unregisterAll tears down handles in reverse of their installation order,
// matching the "unwind already-installed groups in reverse order" rule
// from spec.md §4.4.
func (d *FrameDispatcher) unregisterAll(handles []candrv.RegHandle) {
	for i := len(handles) - 1; i >= 0; i-- {
		d.conn.Unregister(handles[i])
	}
}

func (d *FrameDispatcher) buildGroups(ep Endpoint) []group {
	var groups []group

	userEntries := make([]entry, 0, len(ep.Filters()))
	for _, f := range ep.Filters() {
		canID, canMask, err := f.ToRaw()
		if err != nil {
			d.log.Warn("dispatch: skipping invalid filter", "filter", f, "err", err)
			continue
		}
		userEntries = append(userEntries, entry{
			canID:   canID,
			canMask: canMask,
			cb:      d.userRecvFunc(ep),
		})
	}
	groups = append(groups, group{name: "user-filters", entries: userEntries})

	claimedID, claimedMask, _ := isobus.Filter{
		PGN: isobus.PGNAddressClaimed, PGNMask: 0x03FF00,
		DAddr: isobus.GlobalAddr, DAddrMask: 0xFF,
	}.ToRaw()
	groups = append(groups, group{
		name: "nm-addr-claimed",
		entries: []entry{{
			canID: claimedID, canMask: claimedMask, cb: d.addrClaimedFunc(ep),
		}},
	})

	requestID, requestMask, _ := isobus.Filter{
		PGN: isobus.PGNRequest, PGNMask: 0x03FF00,
	}.ToRaw()
	groups = append(groups, group{
		name: "nm-request",
		entries: []entry{{
			canID: requestID, canMask: requestMask, cb: d.requestFunc(ep),
		}},
	})

	if mask := ep.ErrMask(); mask != 0 {
		groups = append(groups, group{
			name: "err-filter",
			entries: []entry{{
				canID: 0, canMask: mask | isobus.EFFFlag, cb: d.userRecvFunc(ep),
			}},
		})
	}

	return groups
}

// userRecvFunc is user_rcv from spec.md §4.4.
func (d *FrameDispatcher) userRecvFunc(ep Endpoint) candrv.RecvFunc {
	return func(ifName string, frame candrv.Frame, flags candrv.FrameFlags) {
		sa := uint8(isobus.Field(frame.CanID, isobus.FieldSA))
		confirm := flags&candrv.FlagLoopback != 0 && sa == ep.OwnAddress()

		if !ep.RecvOwnMsgs() && confirm {
			return
		}
		if frame.Len > isobus.MaxPayloadLen {
			return
		}
		if isobus.Field(frame.CanID, isobus.FieldEDP) == 1 {
			d.log.Debug("dispatch: dropping frame from overlapping standard (EDP=1)", "if", ifName, "canID", frame.CanID)
			return
		}

		msgFlags := isobus.MsgFlags(0)
		if flags&candrv.FlagLoopback != 0 {
			msgFlags |= isobus.MsgDontRoute
		}
		if confirm {
			msgFlags |= isobus.MsgConfirm
		}

		ep.Deliver(isobus.Message{
			Time:        time.Now(),
			PGN:         isobus.DecodePGN(frame.CanID),
			Priority:    isobus.WirePriorityToUser(uint8(isobus.Field(frame.CanID, isobus.FieldPriority))),
			Source:      sa,
			Destination: uint8(isobus.Field(frame.CanID, isobus.FieldPS)),
			Data:        append([]byte(nil), frame.Data[:frame.Len]...),
			Flags:       msgFlags,
		})
	}
}

func (d *FrameDispatcher) addrClaimedFunc(ep Endpoint) candrv.RecvFunc {
	return func(ifName string, frame candrv.Frame, flags candrv.FrameFlags) {
		if flags&candrv.FlagLoopback != 0 && uint8(isobus.Field(frame.CanID, isobus.FieldSA)) == ep.OwnAddress() {
			return
		}
		sa := uint8(isobus.Field(frame.CanID, isobus.FieldSA))
		name := isobus.NameFromBytes(frame.Data[:frame.Len])
		ep.OnAddressClaimed(sa, name)
	}
}

func (d *FrameDispatcher) requestFunc(ep Endpoint) candrv.RecvFunc {
	return func(ifName string, frame candrv.Frame, flags candrv.FrameFlags) {
		if flags&candrv.FlagLoopback != 0 && uint8(isobus.Field(frame.CanID, isobus.FieldSA)) == ep.OwnAddress() {
			return
		}
		if frame.Len != 3 {
			return
		}
		requested := uint32(frame.Data[0]) | uint32(frame.Data[1])<<8 | uint32(frame.Data[2])<<16
		if requested != isobus.PGNAddressClaimed {
			return
		}
		target := uint8(isobus.Field(frame.CanID, isobus.FieldPS))
		ep.OnRequestAddressClaimed(target)
	}
}
