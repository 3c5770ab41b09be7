package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/checkpoint"
)

// runHistory prints saved conversations from the data directory. With
// no argument it lists every conversation by its newest checkpoint; a
// conversation ID lists that conversation's trail; a checkpoint ID
// prints the saved state.
func runHistory(ctx context.Context, w io.Writer, configPath, arg, outputFmt string) error {
	store, closeDB, err := openCheckpoints(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	if arg == "" {
		return listConversations(ctx, w, store, outputFmt)
	}
	// Conversation IDs are UUIDs too, so a miss falls through.
	if id, err := uuid.Parse(arg); err == nil {
		cp, err := store.Get(ctx, id)
		if err == nil {
			return writeJSONTo(w, cp)
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return err
		}
	}

	cps, err := store.List(ctx, arg, 0)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		return fmt.Errorf("conversation %s: %w", arg, checkpoint.ErrNotFound)
	}
	if outputFmt == "json" {
		return writeJSONTo(w, cps)
	}
	fmt.Fprintf(w, "Conversation %s (%d checkpoints)\n", arg, len(cps))
	for _, cp := range cps {
		fmt.Fprintf(w, "  %s\n", cp.Summary())
	}
	return nil
}

func listConversations(ctx context.Context, w io.Writer, store *checkpoint.SQLStore, outputFmt string) error {
	ids, err := store.Conversations(ctx)
	if err != nil {
		return err
	}
	latest := make([]*checkpoint.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cps, err := store.List(ctx, id, 1)
		if err != nil {
			return err
		}
		if len(cps) > 0 {
			latest = append(latest, cps[0])
		}
	}

	if outputFmt == "json" {
		return writeJSONTo(w, latest)
	}
	if len(latest) == 0 {
		fmt.Fprintln(w, "No saved conversations.")
		return nil
	}
	for _, cp := range latest {
		fmt.Fprintf(w, "%s  %s\n", cp.ConversationID, cp.Summary())
	}
	return nil
}

// runPrune trims every conversation's checkpoint trail to its newest
// keep snapshots.
func runPrune(ctx context.Context, w io.Writer, configPath string, keep int) error {
	store, closeDB, err := openCheckpoints(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	ids, err := store.Conversations(ctx)
	if err != nil {
		return err
	}
	var removed int
	for _, id := range ids {
		n, err := store.Prune(ctx, id, keep)
		if err != nil {
			return fmt.Errorf("prune %s: %w", id, err)
		}
		removed += n
	}
	fmt.Fprintf(w, "Removed %d checkpoints from %d conversations.\n", removed, len(ids))
	return nil
}

func openCheckpoints(configPath string) (*checkpoint.SQLStore, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := checkpoint.NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
