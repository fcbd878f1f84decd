package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmlink/isobus"
	"github.com/farmlink/isobus/candrv"
)

// fakeConn is an in-memory candrv.Conn: Register/Unregister just track
// handles, and a test can directly invoke a registration's callback via
// deliver to simulate a received frame.
type fakeConn struct {
	nextID      int
	order       []int
	regs        map[int]entryReg
	failOnCanID map[uint32]bool
	sent        []candrv.Frame
}

type entryReg struct {
	ifName         string
	canID, canMask uint32
	cb             candrv.RecvFunc
}

func newFakeConn() *fakeConn {
	return &fakeConn{regs: make(map[int]entryReg)}
}

func (f *fakeConn) Register(ifName string, canID, canMask uint32, cb candrv.RecvFunc) (candrv.RegHandle, error) {
	if f.failOnCanID[canID] {
		return candrv.RegHandle{}, errors.New("fakeConn: forced registration failure")
	}
	f.nextID++
	id := f.nextID
	f.regs[id] = entryReg{ifName: ifName, canID: canID, canMask: canMask, cb: cb}
	f.order = append(f.order, id)
	return candrv.RegHandle{}, nil // identity tracked positionally in this fake
}

func (f *fakeConn) Unregister(h candrv.RegHandle) {
	// candrv.RegHandle carries no exported identity outside its own
	// package, so this fake removes the most recently registered entry —
	// sufficient since FrameDispatcher only ever unregisters entries it
	// just installed, in LIFO rollback order.
	if len(f.order) == 0 {
		return
	}
	last := f.order[len(f.order)-1]
	f.order = f.order[:len(f.order)-1]
	delete(f.regs, last)
}

func (f *fakeConn) Send(ifName string, frame candrv.Frame, loopback bool) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConn) Subscribe(ctx context.Context) (<-chan candrv.LinkEvent, error) {
	ch := make(chan candrv.LinkEvent)
	return ch, nil
}

func (f *fakeConn) deliver(canID uint32, data []byte, flags candrv.FrameFlags) {
	for _, r := range f.regs {
		if canID&r.canMask == r.canID&r.canMask {
			frame := candrv.Frame{CanID: canID, Len: uint8(len(data))}
			copy(frame.Data[:], data)
			r.cb(r.ifName, frame, flags)
		}
	}
}

// fakeEndpoint implements the dispatch.Endpoint interface for tests.
type fakeEndpoint struct {
	ifName      string
	filters     []isobus.Filter
	errMask     uint32
	ownAddr     uint8
	recvOwn     bool
	delivered   []isobus.Message
	claimedSA   []uint8
	claimedName []isobus.Name
	requests    []uint8
}

func (e *fakeEndpoint) IfName() string             { return e.ifName }
func (e *fakeEndpoint) Filters() []isobus.Filter    { return e.filters }
func (e *fakeEndpoint) ErrMask() uint32             { return e.errMask }
func (e *fakeEndpoint) OwnAddress() uint8           { return e.ownAddr }
func (e *fakeEndpoint) RecvOwnMsgs() bool           { return e.recvOwn }
func (e *fakeEndpoint) Deliver(msg isobus.Message)  { e.delivered = append(e.delivered, msg) }
func (e *fakeEndpoint) OnAddressClaimed(sa uint8, name isobus.Name) {
	e.claimedSA = append(e.claimedSA, sa)
	e.claimedName = append(e.claimedName, name)
}
func (e *fakeEndpoint) OnRequestAddressClaimed(target uint8) {
	e.requests = append(e.requests, target)
}

func TestEnableInstallsAllGroups(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80, filters: []isobus.Filter{isobus.DefaultFilter()}}

	err := d.Enable(ep)
	require.NoError(t, err)
	assert.Len(t, conn.regs, 3) // user filter + addr-claimed + request
}

func TestEnableAddsErrFilterGroupWhenNonZero(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80, errMask: 0x1F}

	err := d.Enable(ep)
	require.NoError(t, err)
	assert.Len(t, conn.regs, 3) // no user filters + addr-claimed + request + err
}

func TestEnableRollsBackOnGroupFailure(t *testing.T) {
	conn := newFakeConn()
	requestID, _, _ := isobus.Filter{PGN: isobus.PGNRequest, PGNMask: 0x03FF00}.ToRaw()
	conn.failOnCanID = map[uint32]bool{requestID: true}

	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80}

	err := d.Enable(ep)
	assert.Error(t, err)
	assert.Empty(t, conn.regs, "all groups installed before the failing one must be rolled back")
}

func TestUserRecvDeliversMessage(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80, filters: []isobus.Filter{isobus.DefaultFilter()}}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(3, 0x00EF00, 0x80, 0x10)
	conn.deliver(canID, []byte{1, 2, 3, 4}, 0)

	require.Len(t, ep.delivered, 1)
	msg := ep.delivered[0]
	assert.Equal(t, uint32(0x00EF00), msg.PGN)
	assert.Equal(t, uint8(0x10), msg.Source)
	assert.Equal(t, uint8(0x80), msg.Destination)
	assert.Equal(t, []byte{1, 2, 3, 4}, msg.Data)
	assert.Zero(t, msg.Flags)
}

func TestUserRecvDropsOwnMessageWhenNotRecvOwnMsgs(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x10, recvOwn: false, filters: []isobus.Filter{isobus.DefaultFilter()}}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(3, 0x00EF00, 0x80, 0x10) // SA == ep.ownAddr
	conn.deliver(canID, []byte{1}, candrv.FlagLoopback)

	assert.Empty(t, ep.delivered)
}

func TestUserRecvKeepsOwnMessageWhenRecvOwnMsgs(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x10, recvOwn: true, filters: []isobus.Filter{isobus.DefaultFilter()}}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(3, 0x00EF00, 0x80, 0x10)
	conn.deliver(canID, []byte{1}, candrv.FlagLoopback)

	require.Len(t, ep.delivered, 1)
	assert.NotZero(t, ep.delivered[0].Flags&isobus.MsgConfirm)
	assert.NotZero(t, ep.delivered[0].Flags&isobus.MsgDontRoute)
}

func TestUserRecvDropsOversizedDLC(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80, filters: []isobus.Filter{isobus.DefaultFilter()}}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(3, 0x00EF00, 0x80, 0x10)
	for id, r := range conn.regs {
		_ = id
		if r.canID&r.canMask == canID&r.canMask {
			frame := candrv.Frame{CanID: canID, Len: 9}
			r.cb(r.ifName, frame, 0)
		}
	}
	assert.Empty(t, ep.delivered)
}

func TestUserRecvDropsEDPSet(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80, filters: []isobus.Filter{isobus.DefaultFilter()}}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(3, 0x00EF00, 0x80, 0x10) | (1 << 25) // set EDP bit
	conn.deliver(canID, []byte{1}, 0)

	assert.Empty(t, ep.delivered)
}

func TestAddrClaimedForwardsToEndpoint(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: isobus.NullAddr}
	require.NoError(t, d.Enable(ep))

	name := isobus.NewRandomName()
	canID := isobus.Encode(0, isobus.PGNAddressClaimed, isobus.GlobalAddr, 0x22)
	b := name.Bytes()
	conn.deliver(canID, b[:], 0)

	require.Len(t, ep.claimedSA, 1)
	assert.Equal(t, uint8(0x22), ep.claimedSA[0])
	assert.Equal(t, name, ep.claimedName[0])
}

func TestRequestForwardsToEndpoint(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, nil)
	ep := &fakeEndpoint{ifName: "can0", ownAddr: 0x80}
	require.NoError(t, d.Enable(ep))

	canID := isobus.Encode(0, isobus.PGNRequest, 0x80, 0x22)
	payload := []byte{byte(isobus.PGNAddressClaimed), byte(isobus.PGNAddressClaimed >> 8), byte(isobus.PGNAddressClaimed >> 16)}
	conn.deliver(canID, payload, 0)

	require.Len(t, ep.requests, 1)
	assert.Equal(t, uint8(0x80), ep.requests[0])
}
