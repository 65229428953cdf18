package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Play joins or creates a room and runs the participant until the player
// leaves, stdin closes or ctx is cancelled.
func Play(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	view := newConsoleView(out)
	node := newNode(cfg, newRelayDialer(cfg), newPionLinkFactory(cfg.iceServers), view)

	logf(cfg, "START: storyrelay v%s as %s", releaseVersion, node.store.SelfID())

	if err := node.open(ctx, cfg.name, cfg.room); err != nil {
		return err
	}
	node.settle()

	go readCommands(ctx, cfg, in, node)

	return node.Run(ctx)
}

// parseCommand turns one line of input into a command. Blank lines yield
// nil.
func parseCommand(line string, defaultRounds int) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if !strings.HasPrefix(line, "/") {
		return lockCmd{Text: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/start":
		rounds := defaultRounds
		if len(fields) > 1 {
			r, err := strconv.Atoi(fields[1])
			if err != nil || r < 1 {
				return nil, fmt.Errorf("%w: %q", errInvalidRounds, fields[1])
			}
			rounds = r
		}
		return startGameCmd{Settings: Settings{Rounds: rounds}}, nil

	case "/leave", "/quit":
		return leaveCmd{}, nil

	default:
		return nil, fmt.Errorf("unknown command %s (try /start [rounds] or /leave)", fields[0])
	}
}

// readCommands feeds stdin to the node. End of input leaves the room.
func readCommands(ctx context.Context, cfg *Config, in io.Reader, node *Node) {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		cmd, err := parseCommand(scanner.Text(), cfg.rounds)
		if err != nil {
			node.view.Notice(err.Error())
			continue
		}
		if cmd == nil {
			continue
		}

		if err := node.Submit(ctx, cmd); err != nil {
			return
		}
		if _, ok := cmd.(leaveCmd); ok {
			return
		}
	}

	_ = node.Submit(ctx, leaveCmd{})
}
