package console

import (
	"bufio"
	"context"
	"errors"
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/recordmesh/recordmesh/internal/eventloop"
)

var log = logging.Logger("rm-console")

// ReadCommands parses lines from in and sends the commands on out until in
// is exhausted or ctx is cancelled; out is then closed. Lines that fail to
// parse are reported on p and never reach out.
func ReadCommands(ctx context.Context, in io.Reader, out chan<- eventloop.Command, p *Printer) error {
	defer close(out)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := Parse(scanner.Text())
		if errors.Is(err, ErrEmptyLine) {
			continue
		}
		if err != nil {
			p.Error(err)
			continue
		}

		select {
		case out <- cmd:
		case <-ctx.Done():
			return nil
		}

		if cmd.Kind == eventloop.CmdExit {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warnf("Reading commands failed: %v", err)
		return err
	}
	log.Debugf("Command input closed")
	return nil
}
