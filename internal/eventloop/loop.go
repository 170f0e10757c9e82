package eventloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/metrics"
	"github.com/recordmesh/recordmesh/internal/node"
	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/protocol"
)

var log = logging.Logger("rm-loop")

// ErrTransportClosed is returned by Run when the network event stream ends.
var ErrTransportClosed = errors.New("network event stream closed")

// Network is the messaging layer as seen by the loop.
type Network interface {
	Events() <-chan node.Event
	Publish(ctx context.Context, data []byte) error
}

// Options tune a Loop. The zero value is usable.
type Options struct {
	OutboxSize int
	Overflow   string
	Metrics    *metrics.Metrics
	// Limiter bounds the requests each author may make. Responses are never
	// limited, so a large answer to our own request arrives whole.
	Limiter *protocol.PeerRateLimiter
}

// event sources, polled round-robin
const (
	srcNetwork = iota
	srcOutbox
	srcOperator
	numSources
)

// Loop is the node's scheduler. Run must be called at most once.
type Loop struct {
	nc       *NodeContext
	net      Network
	commands <-chan Command
	display  Display
	outbox   *Outbox
	live     *peers.LiveSet
	metrics  *metrics.Metrics
	limiter  *protocol.PeerRateLimiter
	now      func() time.Time

	// next is the first source polled in the coming iteration.
	next int
}

// New creates a loop. commands may be nil when there is no operator.
func New(nc *NodeContext, net Network, commands <-chan Command, display Display, opts Options) *Loop {
	return &Loop{
		nc:       nc,
		net:      net,
		commands: commands,
		display:  display,
		outbox:   NewOutbox(opts.OutboxSize, opts.Overflow),
		live:     peers.NewLiveSet(),
		metrics:  opts.Metrics,
		limiter:  opts.Limiter,
		now:      time.Now,
	}
}

// Run processes events until ctx is cancelled, the operator exits, the
// command stream closes or the network event stream closes. Only the last
// case is an error.
func (l *Loop) Run(ctx context.Context) error {
	events := l.net.Events()
	l.metrics.SetRecords(l.nc.Store.Len())

	for {
		if ctx.Err() != nil {
			return nil
		}

		done, err := l.step(ctx, events)
		if err != nil {
			return err
		}
		if done {
			log.Infof("Event loop stopped")
			return nil
		}
	}
}

// step services exactly one ready source. Sources are polled without
// blocking starting after the one serviced last; the loop blocks only when
// none is ready.
func (l *Loop) step(ctx context.Context, events <-chan node.Event) (bool, error) {
	for i := 0; i < numSources; i++ {
		src := (l.next + i) % numSources
		serviced, done, err := l.poll(ctx, src, events)
		if serviced {
			l.next = (src + 1) % numSources
			return done, err
		}
	}

	// The outbox is empty here, so only external sources can wake us.
	select {
	case <-ctx.Done():
		return true, nil
	case ev, ok := <-events:
		l.next = srcNetwork + 1
		return l.onEvent(ev, ok)
	case cmd, ok := <-l.commands:
		l.next = (srcOperator + 1) % numSources
		return l.onCommand(ctx, cmd, ok)
	}
}

func (l *Loop) poll(ctx context.Context, src int, events <-chan node.Event) (serviced, done bool, err error) {
	switch src {
	case srcNetwork:
		select {
		case ev, ok := <-events:
			done, err = l.onEvent(ev, ok)
			return true, done, err
		default:
			return false, false, nil
		}
	case srcOutbox:
		if l.outbox.Len() == 0 {
			return false, false, nil
		}
		l.publishNext(ctx)
		return true, false, nil
	default:
		select {
		case cmd, ok := <-l.commands:
			done, err = l.onCommand(ctx, cmd, ok)
			return true, done, err
		default:
			return false, false, nil
		}
	}
}

func (l *Loop) onEvent(ev node.Event, ok bool) (bool, error) {
	if !ok {
		log.Errorf("Network event stream closed")
		return true, ErrTransportClosed
	}
	l.metrics.Event(metrics.SourceNetwork)
	l.handleEvent(ev)
	return false, nil
}

func (l *Loop) onCommand(ctx context.Context, cmd Command, ok bool) (bool, error) {
	if !ok {
		log.Debugf("Command stream closed")
		return true, nil
	}
	l.metrics.Event(metrics.SourceOperator)
	return l.handleCommand(ctx, cmd), nil
}

func (l *Loop) handleEvent(ev node.Event) {
	switch ev.Kind {
	case node.EventPeerAppeared:
		if l.live.Add(ev.Peer, l.now()) {
			log.Infof("Peer appeared: %s", ev.Peer)
			l.metrics.SetLivePeers(l.live.Len())
		}
	case node.EventPeerDisappeared:
		if l.live.Remove(ev.Peer) {
			log.Infof("Peer disappeared: %s", ev.Peer)
			l.metrics.SetLivePeers(l.live.Len())
		}
	case node.EventMessage:
		l.handleMessage(ev.Peer, ev.Data)
	default:
		log.Warnf("Ignoring unknown event kind %d", ev.Kind)
	}
}

func (l *Loop) handleMessage(from peer.ID, data []byte) {
	msg, err := l.nc.Codec.Decode(data)
	if err != nil {
		log.Warnf("Dropping message from %s: %v", from, err)
		l.metrics.DecodeError()
		return
	}

	switch m := msg.(type) {
	case protocol.Request:
		if l.limiter != nil && !l.limiter.Allow(from) {
			log.Debugf("Rate limited request from %s", from)
			l.metrics.RateLimited()
			return
		}
		for _, resp := range protocol.HandleRequest(m, from, l.nc.Self, l.nc.Store) {
			l.enqueue(resp)
		}
	case protocol.Response:
		// Every subscriber sees every response; only the addressee acts.
		if m.Receiver != l.nc.Self {
			log.Debugf("Discarding response for %s", m.Receiver)
			return
		}
		l.display.Response(from, m)
		l.metrics.ResponseDisplayed()
	}
}

func (l *Loop) enqueue(resp protocol.Response) {
	if discarded, dropped := l.outbox.Push(resp); dropped {
		log.Warnf("Outbox full (%d), dropped response for %s with record %d",
			l.outbox.Len(), discarded.Receiver, discarded.Record.ID)
		l.metrics.ResponseDropped(metrics.DropOverflow)
	}
	l.metrics.SetOutboxDepth(l.outbox.Len())
}

// publishNext publishes the oldest queued response. Failures drop it.
func (l *Loop) publishNext(ctx context.Context) {
	resp, ok := l.outbox.Pop()
	if !ok {
		return
	}
	l.metrics.Event(metrics.SourceOutbox)
	l.metrics.SetOutboxDepth(l.outbox.Len())

	data, err := l.nc.Codec.Encode(resp)
	if err != nil {
		log.Errorf("Failed to encode response for %s: %v", resp.Receiver, err)
		l.metrics.ResponseDropped(metrics.DropEncodeFailed)
		return
	}

	if err := l.net.Publish(ctx, data); err != nil {
		log.Warnf("Failed to publish response for %s: %v", resp.Receiver, err)
		l.metrics.ResponseDropped(metrics.DropPublishFailed)
		return
	}
	l.metrics.ResponsePublished()
}

// handleCommand executes cmd and reports whether the loop should stop.
func (l *Loop) handleCommand(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CmdCreate:
		r, err := l.nc.Store.Create(cmd.Name, cmd.Category, cmd.Flag)
		if err != nil {
			l.display.Error(err)
			return false
		}
		log.Debugf("Created record %d", r.ID)
		l.metrics.SetRecords(l.nc.Store.Len())
		l.display.Created(r)

	case CmdListPeers:
		l.display.Peers(l.live.List())

	case CmdListRecords:
		l.listRecords(ctx, cmd)

	case CmdPublish:
		l.publishRecord(cmd.RecordID)

	case CmdHelp:
		l.display.Help()

	case CmdExit:
		log.Infof("Exit requested by operator")
		return true

	default:
		l.display.Error(fmt.Errorf("unknown command kind %d", cmd.Kind))
	}
	return false
}

func (l *Loop) listRecords(ctx context.Context, cmd Command) {
	var mode protocol.Mode
	switch cmd.Scope {
	case ScopeLocal:
		l.display.Records(l.nc.Store.All())
		return
	case ScopeAll:
		mode = protocol.All()
	case ScopePeer:
		if cmd.Peer == l.nc.Self {
			l.display.Records(l.nc.Store.All())
			return
		}
		mode = protocol.One(cmd.Peer)
	default:
		l.display.Error(fmt.Errorf("unknown list scope %d", cmd.Scope))
		return
	}

	data, err := l.nc.Codec.Encode(protocol.Request{Mode: mode})
	if err != nil {
		l.display.Error(fmt.Errorf("failed to encode request: %w", err))
		return
	}
	if err := l.net.Publish(ctx, data); err != nil {
		log.Warnf("Failed to publish %s request: %v", mode, err)
		l.display.Error(fmt.Errorf("failed to publish request: %w", err))
		return
	}
	l.display.RequestSent(mode)
}

// publishRecord queues one unsolicited response per live peer, each
// addressed to that peer.
func (l *Loop) publishRecord(id uint64) {
	r, err := l.nc.Store.Get(id)
	if err != nil {
		l.display.Error(err)
		return
	}

	live := l.live.List()
	for _, p := range live {
		l.enqueue(protocol.Response{
			Mode:     protocol.All(),
			Record:   r,
			Receiver: p.ID,
		})
	}
	l.display.Published(r, len(live))
}
