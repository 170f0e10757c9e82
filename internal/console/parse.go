// Package console reads operator commands from a terminal and renders the
// loop's output.
package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/eventloop"
)

var (
	// ErrEmptyLine is returned for blank input.
	ErrEmptyLine = errors.New("empty line")
	// ErrUnknownCommand is returned for an unrecognized verb.
	ErrUnknownCommand = errors.New("unknown command")
)

// UsageError reports a recognized command with bad arguments.
type UsageError struct {
	Usage  string
	Reason string
}

func (e *UsageError) Error() string {
	if e.Reason == "" {
		return "usage: " + e.Usage
	}
	return fmt.Sprintf("%s (usage: %s)", e.Reason, e.Usage)
}

const (
	usageCreate  = "create <name> <category> <true|false>"
	usageList    = "list peers | list records <local|all|peer-id>"
	usagePublish = "publish <record-id>"
)

// Parse turns one input line into a command. Arguments may be quoted.
func Parse(line string) (eventloop.Command, error) {
	args, err := shlex.Split(line, true)
	if err != nil {
		return eventloop.Command{}, fmt.Errorf("cannot split %q: %w", line, err)
	}
	if len(args) == 0 {
		return eventloop.Command{}, ErrEmptyLine
	}

	verb, args := strings.ToLower(args[0]), args[1:]
	switch verb {
	case "create":
		return parseCreate(args)
	case "list", "ls":
		return parseList(args)
	case "publish":
		return parsePublish(args)
	case "help", "?":
		return eventloop.Command{Kind: eventloop.CmdHelp}, nil
	case "exit", "quit":
		return eventloop.Command{Kind: eventloop.CmdExit}, nil
	default:
		return eventloop.Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
	}
}

func parseCreate(args []string) (eventloop.Command, error) {
	if len(args) != 3 {
		return eventloop.Command{}, &UsageError{Usage: usageCreate}
	}
	if args[0] == "" {
		return eventloop.Command{}, &UsageError{Usage: usageCreate, Reason: "name must not be empty"}
	}
	flag, err := strconv.ParseBool(args[2])
	if err != nil {
		return eventloop.Command{}, &UsageError{Usage: usageCreate, Reason: fmt.Sprintf("bad flag %q", args[2])}
	}
	return eventloop.Command{
		Kind:     eventloop.CmdCreate,
		Name:     args[0],
		Category: args[1],
		Flag:     flag,
	}, nil
}

func parseList(args []string) (eventloop.Command, error) {
	if len(args) == 0 {
		return eventloop.Command{}, &UsageError{Usage: usageList}
	}

	switch strings.ToLower(args[0]) {
	case "peers":
		if len(args) != 1 {
			return eventloop.Command{}, &UsageError{Usage: usageList}
		}
		return eventloop.Command{Kind: eventloop.CmdListPeers}, nil
	case "records":
	default:
		return eventloop.Command{}, &UsageError{Usage: usageList, Reason: fmt.Sprintf("cannot list %q", args[0])}
	}

	if len(args) != 2 {
		return eventloop.Command{}, &UsageError{Usage: usageList}
	}

	cmd := eventloop.Command{Kind: eventloop.CmdListRecords}
	switch target := args[1]; strings.ToLower(target) {
	case "local":
		cmd.Scope = eventloop.ScopeLocal
	case "all":
		cmd.Scope = eventloop.ScopeAll
	default:
		id, err := peer.Decode(target)
		if err != nil {
			return eventloop.Command{}, &UsageError{Usage: usageList, Reason: fmt.Sprintf("invalid peer id %q", target)}
		}
		cmd.Scope = eventloop.ScopePeer
		cmd.Peer = id
	}
	return cmd, nil
}

func parsePublish(args []string) (eventloop.Command, error) {
	if len(args) != 1 {
		return eventloop.Command{}, &UsageError{Usage: usagePublish}
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return eventloop.Command{}, &UsageError{Usage: usagePublish, Reason: fmt.Sprintf("bad record id %q", args[0])}
	}
	return eventloop.Command{Kind: eventloop.CmdPublish, RecordID: id}, nil
}
