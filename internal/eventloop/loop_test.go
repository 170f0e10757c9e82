package eventloop

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/node"
	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/protocol"
	"github.com/recordmesh/recordmesh/internal/records"
)

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

type fakeNetwork struct {
	events chan node.Event

	mu         sync.Mutex
	published  [][]byte
	publishErr error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{events: make(chan node.Event, 256)}
}

func (f *fakeNetwork) Events() <-chan node.Event { return f.events }

func (f *fakeNetwork) Publish(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, data)
	return nil
}

func (f *fakeNetwork) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published...)
}

type shown struct {
	from peer.ID
	resp protocol.Response
}

type fakeDisplay struct {
	mu        sync.Mutex
	created   []records.Record
	records   [][]records.Record
	peers     [][]peers.LivePeer
	requests  []protocol.Mode
	responses []shown
	published map[uint64]int
	helps     int
	errs      []error
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{published: make(map[uint64]int)}
}

func (d *fakeDisplay) Created(r records.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, r)
}

func (d *fakeDisplay) Records(recs []records.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, recs)
}

func (d *fakeDisplay) Peers(live []peers.LivePeer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append(d.peers, live)
}

func (d *fakeDisplay) RequestSent(mode protocol.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, mode)
}

func (d *fakeDisplay) Response(from peer.ID, resp protocol.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, shown{from: from, resp: resp})
}

func (d *fakeDisplay) Published(r records.Record, receivers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published[r.ID] = receivers
}

func (d *fakeDisplay) Help() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.helps++
}

func (d *fakeDisplay) Error(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

type harness struct {
	nc      *NodeContext
	net     *fakeNetwork
	display *fakeDisplay
	cmds    chan Command
	loop    *Loop
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		nc: &NodeContext{
			Self:  newPeerID(t),
			Store: records.NewStore(),
			Codec: protocol.NewJSONCodec(0),
			Topic: "recordmesh/test/1.0.0",
		},
		net:     newFakeNetwork(),
		display: newFakeDisplay(),
		cmds:    make(chan Command, 16),
	}
	h.loop = New(h.nc, h.net, h.cmds, h.display, opts)
	return h
}

func (h *harness) seed(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := h.nc.Store.Create(n, "test", false)
		require.NoError(t, err)
	}
}

func (h *harness) message(t *testing.T, from peer.ID, msg protocol.Message) node.Event {
	t.Helper()
	data, err := h.nc.Codec.Encode(msg)
	require.NoError(t, err)
	return node.Event{Kind: node.EventMessage, Peer: from, Topic: h.nc.Topic, Data: data}
}

func (h *harness) ready() bool {
	return len(h.net.events) > 0 || len(h.cmds) > 0 || h.loop.outbox.Len() > 0
}

// settle steps the loop until no source is ready.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; h.ready(); i++ {
		require.Less(t, i, 10000, "loop did not settle")
		done, err := h.loop.step(context.Background(), h.net.events)
		require.NoError(t, err)
		require.False(t, done)
	}
}

func (h *harness) decodeSent(t *testing.T) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, data := range h.net.sent() {
		msg, err := h.nc.Codec.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestAllRequestAnsweredWithAddressedResponses(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "alpha", "beta", "gamma")
	requester := newPeerID(t)

	h.net.events <- h.message(t, requester, protocol.Request{Mode: protocol.All()})
	h.settle(t)

	sent := h.decodeSent(t)
	require.Len(t, sent, 3)
	ids := map[uint64]bool{}
	for _, m := range sent {
		resp, ok := m.(protocol.Response)
		require.True(t, ok)
		assert.Equal(t, requester, resp.Receiver)
		assert.Equal(t, protocol.All(), resp.Mode)
		ids[resp.Record.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestOneRequestAnsweredOnlyByTarget(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "alpha", "beta")
	requester, other := newPeerID(t), newPeerID(t)

	h.net.events <- h.message(t, requester, protocol.Request{Mode: protocol.One(other)})
	h.settle(t)
	assert.Empty(t, h.net.sent())

	h.net.events <- h.message(t, requester, protocol.Request{Mode: protocol.One(h.nc.Self)})
	h.settle(t)

	sent := h.decodeSent(t)
	require.Len(t, sent, 2)
	for _, m := range sent {
		resp := m.(protocol.Response)
		assert.Equal(t, requester, resp.Receiver)
		assert.Equal(t, protocol.One(h.nc.Self), resp.Mode)
	}
}

func TestEmptyStoreAnswersNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.net.events <- h.message(t, newPeerID(t), protocol.Request{Mode: protocol.All()})
	h.settle(t)
	assert.Empty(t, h.net.sent())
}

func TestResponsesShownOnlyToReceiver(t *testing.T) {
	h := newHarness(t, Options{})
	responder := newPeerID(t)
	rec := records.Record{ID: 9, Name: "remote", Category: "x", Flag: true}

	mine := h.message(t, responder, protocol.Response{Mode: protocol.All(), Record: rec, Receiver: h.nc.Self})
	theirs := h.message(t, responder, protocol.Response{Mode: protocol.All(), Record: rec, Receiver: newPeerID(t)})

	h.net.events <- theirs
	h.net.events <- mine
	h.net.events <- mine // duplicate delivery
	h.settle(t)

	require.Len(t, h.display.responses, 2)
	for _, s := range h.display.responses {
		assert.Equal(t, responder, s.from)
		assert.Equal(t, rec, s.resp.Record)
	}
	assert.Equal(t, 0, h.nc.Store.Len(), "responses never touch the store")
	assert.Empty(t, h.net.sent())
}

func TestRateLimitAppliesToRequestsOnly(t *testing.T) {
	h := newHarness(t, Options{
		Limiter: protocol.NewPeerRateLimiter(protocol.RateLimitConfig{
			MaxMessagesPerSecond: 0.001,
			Burst:                1,
		}),
	})
	h.seed(t, "alpha")
	other := newPeerID(t)

	h.net.events <- h.message(t, other, protocol.Request{Mode: protocol.All()})
	h.net.events <- h.message(t, other, protocol.Request{Mode: protocol.All()})
	h.settle(t)
	assert.Len(t, h.net.sent(), 1, "second request from the same author is limited")

	// A full answer from the same author is far larger than the burst.
	for i := 1; i <= 150; i++ {
		rec := records.Record{ID: uint64(i), Name: "remote", Category: "x"}
		h.net.events <- h.message(t, other, protocol.Response{Mode: protocol.All(), Record: rec, Receiver: h.nc.Self})
	}
	h.settle(t)
	assert.Len(t, h.display.responses, 150)
}

func TestMalformedPayloadDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, Options{})
	from := newPeerID(t)

	h.net.events <- node.Event{Kind: node.EventMessage, Peer: from, Data: []byte("not a message")}
	h.net.events <- node.Event{Kind: node.EventMessage, Peer: from, Data: []byte(`{"kind":"request","mode":{"kind":"some"}}`)}
	h.cmds <- Command{Kind: CmdCreate, Name: "after", Category: "c"}
	h.settle(t)

	require.Len(t, h.display.created, 1)
	assert.Equal(t, "after", h.display.created[0].Name)
	assert.Empty(t, h.net.sent())
}

func TestSimultaneousSourcesAllServiced(t *testing.T) {
	h := newHarness(t, Options{})
	newcomer, requester := newPeerID(t), newPeerID(t)

	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: newcomer}
	h.net.events <- h.message(t, requester, protocol.Request{Mode: protocol.All()})
	h.cmds <- Command{Kind: CmdCreate, Name: "fresh", Category: "c"}

	for i := 0; i < 4; i++ {
		_, err := h.loop.step(context.Background(), h.net.events)
		require.NoError(t, err)
	}

	assert.True(t, h.loop.live.Contains(newcomer))
	assert.Equal(t, 1, h.nc.Store.Len())
	sent := h.decodeSent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, requester, sent[0].(protocol.Response).Receiver)
}

func TestOperatorNotStarvedByNetworkFlood(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 100; i++ {
		h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: newPeerID(t)}
	}
	h.cmds <- Command{Kind: CmdHelp}

	for i := 0; i < numSources; i++ {
		_, err := h.loop.step(context.Background(), h.net.events)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.display.helps)
	assert.GreaterOrEqual(t, len(h.net.events), 97)
}

func TestOutboxNotStarvedByNetworkFlood(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "only")
	requester := newPeerID(t)
	for i := 0; i < 50; i++ {
		h.net.events <- h.message(t, requester, protocol.Request{Mode: protocol.All()})
	}

	for i := 0; i < 10; i++ {
		_, err := h.loop.step(context.Background(), h.net.events)
		require.NoError(t, err)
	}

	// Network and outbox alternate while commands are idle.
	assert.Len(t, h.net.sent(), 5)
	assert.Equal(t, 45, len(h.net.events))
}

func TestPublishFailureDropsResponse(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "a", "b")
	h.net.publishErr = errors.New("transport down")

	h.net.events <- h.message(t, newPeerID(t), protocol.Request{Mode: protocol.All()})
	h.settle(t)
	assert.Equal(t, 0, h.loop.outbox.Len(), "failed responses are not retried")

	h.net.publishErr = nil
	h.cmds <- Command{Kind: CmdCreate, Name: "c", Category: "c"}
	h.settle(t)
	assert.Equal(t, 3, h.nc.Store.Len())
	assert.Empty(t, h.net.sent())
}

func TestOutboxOverflowDropsOldest(t *testing.T) {
	h := newHarness(t, Options{OutboxSize: 2})
	h.seed(t, "a", "b", "c")
	requester := newPeerID(t)

	h.loop.handleEvent(h.message(t, requester, protocol.Request{Mode: protocol.All()}))
	require.Equal(t, 2, h.loop.outbox.Len())

	first, _ := h.loop.outbox.Pop()
	second, _ := h.loop.outbox.Pop()
	assert.Equal(t, uint64(2), first.Record.ID)
	assert.Equal(t, uint64(3), second.Record.ID)
}

func TestOutboxPolicies(t *testing.T) {
	resp := func(id uint64) protocol.Response {
		return protocol.Response{Mode: protocol.All(), Record: records.Record{ID: id}}
	}

	oldest := NewOutbox(2, config.OverflowDropOldest)
	oldest.Push(resp(1))
	oldest.Push(resp(2))
	dropped, ok := oldest.Push(resp(3))
	require.True(t, ok)
	assert.Equal(t, uint64(1), dropped.Record.ID)
	r, _ := oldest.Pop()
	assert.Equal(t, uint64(2), r.Record.ID)

	newest := NewOutbox(2, config.OverflowDropNewest)
	newest.Push(resp(1))
	newest.Push(resp(2))
	dropped, ok = newest.Push(resp(3))
	require.True(t, ok)
	assert.Equal(t, uint64(3), dropped.Record.ID)
	r, _ = newest.Pop()
	assert.Equal(t, uint64(1), r.Record.ID)
	assert.Equal(t, 1, newest.Len())

	_, ok = NewOutbox(0, "").Pop()
	assert.False(t, ok)
	assert.Equal(t, DefaultOutboxSize, NewOutbox(0, "").capacity)
}

func TestListRecordsScopes(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "mine")
	target := newPeerID(t)

	h.cmds <- Command{Kind: CmdListRecords, Scope: ScopeLocal}
	h.cmds <- Command{Kind: CmdListRecords, Scope: ScopePeer, Peer: h.nc.Self}
	h.cmds <- Command{Kind: CmdListRecords, Scope: ScopeAll}
	h.cmds <- Command{Kind: CmdListRecords, Scope: ScopePeer, Peer: target}
	h.settle(t)

	require.Len(t, h.display.records, 2)
	assert.Equal(t, "mine", h.display.records[0][0].Name)

	sent := h.decodeSent(t)
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.Request{Mode: protocol.All()}, sent[0])
	assert.Equal(t, protocol.Request{Mode: protocol.One(target)}, sent[1])
	assert.Equal(t, []protocol.Mode{protocol.All(), protocol.One(target)}, h.display.requests)
}

func TestListRecordsPublishFailureShown(t *testing.T) {
	h := newHarness(t, Options{})
	h.net.publishErr = errors.New("no route")

	h.cmds <- Command{Kind: CmdListRecords, Scope: ScopeAll}
	h.settle(t)

	require.Len(t, h.display.errs, 1)
	assert.Empty(t, h.display.requests)
}

func TestPublishRecordAddressesEachLivePeer(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "shared")
	a, b := newPeerID(t), newPeerID(t)

	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: a}
	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: b}
	h.settle(t)

	h.cmds <- Command{Kind: CmdPublish, RecordID: 1}
	h.cmds <- Command{Kind: CmdPublish, RecordID: 42}
	h.settle(t)

	assert.Equal(t, 2, h.display.published[1])
	require.Len(t, h.display.errs, 1)
	assert.ErrorIs(t, h.display.errs[0], records.ErrNotFound)

	receivers := map[peer.ID]bool{}
	for _, m := range h.decodeSent(t) {
		resp := m.(protocol.Response)
		assert.Equal(t, "shared", resp.Record.Name)
		receivers[resp.Receiver] = true
	}
	assert.Equal(t, map[peer.ID]bool{a: true, b: true}, receivers)
}

func TestPeerBookkeeping(t *testing.T) {
	h := newHarness(t, Options{})
	a, b := newPeerID(t), newPeerID(t)

	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: a}
	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: b}
	h.net.events <- node.Event{Kind: node.EventPeerAppeared, Peer: a}
	h.net.events <- node.Event{Kind: node.EventPeerDisappeared, Peer: b}
	h.settle(t)

	h.cmds <- Command{Kind: CmdListPeers}
	h.settle(t)

	require.Len(t, h.display.peers, 1)
	require.Len(t, h.display.peers[0], 1)
	assert.Equal(t, a, h.display.peers[0][0].ID)
}

func TestCreateErrorShown(t *testing.T) {
	h := newHarness(t, Options{})
	h.cmds <- Command{Kind: CmdCreate, Name: "", Category: "c"}
	h.settle(t)

	require.Len(t, h.display.errs, 1)
	assert.ErrorIs(t, h.display.errs[0], records.ErrEmptyName)
}

func runLoop(h *harness, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func TestRunStopsOnExitCommand(t *testing.T) {
	h := newHarness(t, Options{})
	done := runLoop(h, context.Background())
	h.cmds <- Command{Kind: CmdExit}
	assert.NoError(t, waitResult(t, done))
}

func TestRunStopsWhenCommandsClose(t *testing.T) {
	h := newHarness(t, Options{})
	done := runLoop(h, context.Background())
	close(h.cmds)
	assert.NoError(t, waitResult(t, done))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := runLoop(h, ctx)
	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestRunFailsWhenTransportCloses(t *testing.T) {
	h := newHarness(t, Options{})
	done := runLoop(h, context.Background())
	close(h.net.events)
	assert.ErrorIs(t, waitResult(t, done), ErrTransportClosed)
}
