package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/eventloop"
	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/protocol"
	"github.com/recordmesh/recordmesh/internal/records"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	peerColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

const helpText = `Commands:
  create <name> <category> <true|false>   add a record to the local store
  list peers                              show connected peers
  list records local                      show local records
  list records all                        ask every peer for its records
  list records <peer-id>                  ask one peer for its records
  publish <record-id>                     send a local record to every connected peer
  help                                    show this text
  exit                                    stop the node
`

var _ eventloop.Display = (*Printer)(nil)

// Printer writes operator output. It is safe for concurrent use so the
// command reader can report parse errors alongside the loop's output.
type Printer struct {
	out io.Writer
	now func() time.Time
	mu  sync.Mutex
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, now: time.Now}
}

func (p *Printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func formatRecord(r records.Record) string {
	return fmt.Sprintf("#%d %q category=%s flag=%t", r.ID, r.Name, r.Category, r.Flag)
}

// Banner prints the node identity and addresses at startup.
func (p *Printer) Banner(self peer.ID, topic string, addrs []string) {
	p.printf("%s %s\n", headerColor.Sprint("Peer ID:"), self)
	p.printf("%s %s\n", headerColor.Sprint("Topic:"), topic)
	for _, a := range addrs {
		p.printf("  %s\n", a)
	}
	p.printf("Type \"help\" for commands.\n")
}

func (p *Printer) Created(r records.Record) {
	p.printf("%s %s\n", okColor.Sprint("created"), formatRecord(r))
}

func (p *Printer) Records(recs []records.Record) {
	if len(recs) == 0 {
		p.printf("no local records\n")
		return
	}
	p.printf("%s\n", headerColor.Sprintf("Local records (%d)", len(recs)))
	for _, r := range recs {
		p.printf("  %s\n", formatRecord(r))
	}
}

func (p *Printer) Peers(live []peers.LivePeer) {
	if len(live) == 0 {
		p.printf("no connected peers\n")
		return
	}
	p.printf("%s\n", headerColor.Sprintf("Connected peers (%d)", len(live)))
	for _, lp := range live {
		p.printf("  %s  connected %s\n", peerColor.Sprint(lp.ID), humanize.RelTime(lp.Since, p.now(), "ago", "from now"))
	}
}

func (p *Printer) RequestSent(mode protocol.Mode) {
	switch mode.Kind {
	case protocol.ModeOne:
		p.printf("asked %s for its records\n", peerColor.Sprint(mode.Target))
	default:
		p.printf("asked all peers for their records\n")
	}
}

func (p *Printer) Response(from peer.ID, resp protocol.Response) {
	p.printf("%s %s\n", peerColor.Sprintf("[%s]", from.ShortString()), formatRecord(resp.Record))
}

func (p *Printer) Published(r records.Record, receivers int) {
	if receivers == 0 {
		p.printf("record #%d not sent: no connected peers\n", r.ID)
		return
	}
	p.printf("%s record #%d to %s\n", okColor.Sprint("sent"), r.ID, humanize.Comma(int64(receivers))+pluralPeers(receivers))
}

func pluralPeers(n int) string {
	if n == 1 {
		return " peer"
	}
	return " peers"
}

func (p *Printer) Help() {
	p.printf("%s", helpText)
}

func (p *Printer) Error(err error) {
	p.printf("%s %v\n", errorColor.Sprint("error:"), err)
}
