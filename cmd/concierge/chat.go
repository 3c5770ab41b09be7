package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/checkpoint"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/orchestrator"
)

const (
	chatNamespace = "chat"
	chatLastKey   = "last_conversation"
)

// runChat runs an interactive conversation on the terminal. Without an
// id it picks up the conversation the terminal used last. Logs go to
// stderr so they do not interleave with the dialog.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, id string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	st, err := openStack(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if id == "" {
		if id, err = st.opstate.Get(ctx, chatNamespace, chatLastKey); err != nil {
			return err
		}
	}
	remember := func(ctx context.Context, id string) error {
		return st.opstate.Set(ctx, chatNamespace, chatLastKey, id)
	}
	return chatLoop(ctx, stdin, stdout, st.driver, id, remember)
}

// chatLoop resumes conversation id, or starts it when it does not
// exist, and relays lines until EOF or /quit. remember, when set, is
// told which conversation is in use.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, d *orchestrator.Driver, id string, remember func(ctx context.Context, id string) error) error {
	state, err := resumeOrStart(ctx, d, id)
	if err != nil {
		return err
	}
	if remember != nil {
		if err := remember(ctx, state.ID); err != nil {
			return err
		}
	}
	cat := d.Catalog()

	if len(state.History) > 0 {
		fmt.Fprintf(out, "Resuming conversation %s (%d entries).\n", state.ID, len(state.History))
	} else {
		fmt.Fprintf(out, "Conversation %s. Type /quit to leave.\n", state.ID)
	}
	if state.Pending != nil {
		printPending(out, state.Pending, cat)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		res, err := d.Send(ctx, state.ID, line)
		if err != nil {
			return err
		}
		printTurn(out, res, cat)
	}
}

func resumeOrStart(ctx context.Context, d *orchestrator.Driver, id string) (*conversation.State, error) {
	if id != "" {
		st, err := d.State(ctx, id)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}
	}
	return d.Start(ctx, id, nil)
}

// printTurn shows what the human needs to see from one turn: replies,
// notices, and the approval prompt if an action is waiting.
func printTurn(out io.Writer, res *orchestrator.TurnResult, cat *catalog.Catalog) {
	for _, e := range res.Entries {
		switch e.Kind {
		case conversation.KindAssistant:
			fmt.Fprintf(out, "%s: %s\n", speaker(cat, e.Unit), e.Content)
		case conversation.KindNotice:
			fmt.Fprintf(out, "! %s\n", e.Content)
		case conversation.KindResult:
			if e.Status == conversation.StatusExecuted {
				fmt.Fprintf(out, "  [%s done]\n", e.Action)
			}
		}
	}
	if res.Pending != nil {
		printPending(out, res.Pending, cat)
	}
}

func printPending(out io.Writer, p *conversation.Proposal, cat *catalog.Catalog) {
	fmt.Fprintf(out, "%s wants to run %s", speaker(cat, p.SpecialistID), p.Action)
	if len(p.Arguments) > 0 {
		fmt.Fprintf(out, " with %v", p.Arguments)
	}
	fmt.Fprintln(out, ".")
	fmt.Fprintln(out, "Approve? Answer yes or no, or say what to change.")
}

func speaker(cat *catalog.Catalog, unit string) string {
	if unit == "" {
		return "Assistant"
	}
	if s, ok := cat.Specialist(unit); ok {
		return s.Name
	}
	return unit
}
