package candrv

import (
	"context"
	"fmt"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/vishvananda/netlink"
)

// LinkWatcher resolves a CAN interface name to its link state and
// subscribes to RTNETLINK for its later up/down/removal, the piece
// endpoint.Bind and the link-state half of the Endpoint Lifecycle
// invariant in spec.md §9 need. Grounded on the netlink wiring in
// AlohaLuo-gnbsim-backup/cmd/gnbsim_netlink.go (LinkByName / link
// attribute inspection), generalized from static tunnel setup to a live
// subscription.
type LinkWatcher struct {
	log *log.Logger
}

// NewLinkWatcher builds a LinkWatcher. logger may be nil, in which case
// log.Default() is used.
func NewLinkWatcher(logger *log.Logger) *LinkWatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &LinkWatcher{log: logger}
}

// Resolve returns whether ifName exists, is a CAN device, and is up: up
// is true when the link is operationally up or has the IFF_UP flag set.
func (w *LinkWatcher) Resolve(ifName string) (exists bool, isCAN bool, up bool, err error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, false, false, nil
		}
		return false, false, false, fmt.Errorf("candrv: resolving %s: %w", ifName, err)
	}

	isCAN = link.Type() == "can"
	up = link.Attrs().OperState == netlink.OperUp || link.Attrs().Flags&syscall.IFF_UP != 0
	return true, isCAN, up, nil
}

// Watch subscribes to RTNETLINK link updates for ifName, translating them
// into candrv.LinkEvent{LinkUp, LinkDown, LinkGone} until ctx is done.
func (w *LinkWatcher) Watch(ctx context.Context, ifName string) (<-chan LinkEvent, error) {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("candrv: subscribing to link updates: %w", err)
	}

	out := make(chan LinkEvent, 8)
	go func() {
		defer close(out)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Link.Attrs().Name != ifName {
					continue
				}
				out <- classify(upd)
			}
		}
	}()
	return out, nil
}

func classify(upd netlink.LinkUpdate) LinkEvent {
	ifName := upd.Link.Attrs().Name
	if upd.Header.Type == syscall.RTM_DELLINK {
		return LinkEvent{IfName: ifName, Kind: LinkGone}
	}
	if upd.IfInfomsg.Flags&syscall.IFF_UP != 0 {
		return LinkEvent{IfName: ifName, Kind: LinkUp}
	}
	return LinkEvent{IfName: ifName, Kind: LinkDown}
}
