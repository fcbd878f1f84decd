package candrv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	canIDERRFlag = uint32(1 << 29)
	canIDRTRFlag = uint32(1 << 30)
	canIDEFFFlag = uint32(1 << 31)
	canIDMask    = uint32(0x1FFFFFFF)
)

var errReadTimeout = errors.New("candrv: read timeout")

// readPollInterval bounds how long a single blocking read waits before
// re-checking ctx, the same "small timeout, loop, recheck ctx" idiom the
// teacher's socketcan.Device.ReadRawMessage uses.
const readPollInterval = 50 * time.Millisecond

// ifSocket is one open raw CAN socket bound to a single interface, shared
// by every registration made against that interface name — the userspace
// analogue of the kernel's per-device can_rx list.
type ifSocket struct {
	mu            sync.Mutex
	ifName        string
	fd            int
	registrations []*registration

	cancel context.CancelFunc
}

// SocketCANConn is the production candrv.Conn backend: one AF_CAN raw
// socket per bound interface, opened lazily on first Register and closed
// when its last registration is removed. Grounded on the teacher's
// socketcan.Connection (socket open/bind/read/write) and socketcan.Device
// (context-cancellable read loop with a bounded per-iteration timeout).
type SocketCANConn struct {
	mu   sync.Mutex
	ifs  map[string]*ifSocket
	log  *log.Logger
	subs []chan LinkEvent
}

// NewSocketCANConn constructs an empty Conn. logger may be nil, in which
// case log.Default() is used.
func NewSocketCANConn(logger *log.Logger) *SocketCANConn {
	if logger == nil {
		logger = log.Default()
	}
	return &SocketCANConn{
		ifs: make(map[string]*ifSocket),
		log: logger,
	}
}

func (c *SocketCANConn) Register(ifName string, canID, canMask uint32, cb RecvFunc) (RegHandle, error) {
	c.mu.Lock()
	st, ok := c.ifs[ifName]
	if !ok {
		var err error
		st, err = c.openInterface(ifName)
		if err != nil {
			c.mu.Unlock()
			return RegHandle{}, err
		}
		c.ifs[ifName] = st
	}
	c.mu.Unlock()

	reg := &registration{canID: canID, canMask: canMask, cb: cb}
	st.mu.Lock()
	st.registrations = append(st.registrations, reg)
	st.mu.Unlock()

	return RegHandle{ifName: ifName, reg: reg}, nil
}

func (c *SocketCANConn) openInterface(ifName string) (*ifSocket, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("candrv: no such interface %s: %w", ifName, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("candrv: could not open CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("candrv: could not bind CAN socket to %s: %w", ifName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &ifSocket{ifName: ifName, fd: fd, cancel: cancel}
	go c.readLoop(ctx, st)
	return st, nil
}

func (c *SocketCANConn) readLoop(ctx context.Context, st *ifSocket) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := setReadTimeout(st.fd, readPollInterval); err != nil {
			c.log.Error("candrv: set read timeout failed", "if", st.ifName, "err", err)
			return
		}

		frame, err := readFrame(st.fd)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue
			}
			c.log.Warn("candrv: read failed, interface likely gone", "if", st.ifName, "err", err)
			c.closeInterface(st.ifName)
			c.publish(LinkEvent{IfName: st.ifName, Kind: LinkGone})
			return
		}

		st.mu.Lock()
		regs := append([]*registration(nil), st.registrations...)
		st.mu.Unlock()

		for _, reg := range regs {
			if reg.matches(frame.CanID) {
				reg.cb(st.ifName, frame, 0)
			}
		}
	}
}

func setReadTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func isContinuableSocketErr(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

func readFrame(fd int) (Frame, error) {
	buf := make([]byte, 16)
	_, err := unix.Read(fd, buf)
	if err != nil {
		if isContinuableSocketErr(err) {
			return Frame{}, errReadTimeout
		}
		return Frame{}, err
	}

	canID := binary.LittleEndian.Uint32(buf[0:4])
	if canID&canIDRTRFlag != 0 {
		return Frame{}, errors.New("candrv: remote transmission request frame, ignored")
	}
	if canID&canIDERRFlag != 0 {
		return Frame{}, errors.New("candrv: error frame, ignored")
	}

	// Keep the EFF bit on CanID: registrations (built from isobus.Encode/
	// packRaw) always carry it in both canID and canMask, so stripping it
	// here would make every registration.matches comparison fail.
	f := Frame{CanID: canID &^ (canIDRTRFlag | canIDERRFlag), Len: buf[4]}
	copy(f.Data[:], buf[8:8+f.Len])
	return f, nil
}

func writeFrame(fd int, frame Frame) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], (frame.CanID&canIDMask)|canIDEFFFlag)
	buf[4] = frame.Len
	copy(buf[8:], frame.Data[:frame.Len])

	_, err := unix.Write(fd, buf)
	if isContinuableSocketErr(err) {
		return errors.New("candrv: write timeout")
	}
	return err
}

func (c *SocketCANConn) Unregister(h RegHandle) {
	c.mu.Lock()
	st, ok := c.ifs[h.ifName]
	c.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	for i, reg := range st.registrations {
		if reg == h.reg {
			st.registrations = append(st.registrations[:i], st.registrations[i+1:]...)
			break
		}
	}
	empty := len(st.registrations) == 0
	st.mu.Unlock()

	if empty {
		c.closeInterface(h.ifName)
	}
}

func (c *SocketCANConn) closeInterface(ifName string) {
	c.mu.Lock()
	st, ok := c.ifs[ifName]
	if ok {
		delete(c.ifs, ifName)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	_ = unix.Close(st.fd)
}

func (c *SocketCANConn) Send(ifName string, frame Frame, loopback bool) error {
	c.mu.Lock()
	st, ok := c.ifs[ifName]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("candrv: send on unregistered interface %s", ifName)
	}

	if err := writeFrame(st.fd, frame); err != nil {
		return fmt.Errorf("candrv: send failed: %w", err)
	}

	if loopback {
		st.mu.Lock()
		regs := append([]*registration(nil), st.registrations...)
		st.mu.Unlock()
		for _, reg := range regs {
			if reg.matches(frame.CanID) {
				reg.cb(ifName, frame, FlagLoopback)
			}
		}
	}
	return nil
}

func (c *SocketCANConn) Subscribe(ctx context.Context) (<-chan LinkEvent, error) {
	ch := make(chan LinkEvent, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (c *SocketCANConn) publish(ev LinkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		select {
		case s <- ev:
		default:
			c.log.Warn("candrv: link event subscriber is slow, dropping event", "if", ev.IfName, "kind", ev.Kind)
		}
	}
}
