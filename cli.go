package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"parley/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("parley server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "channels":
		return cliChannels(args[1:], dbPath)
	case "sessions":
		return cliSessions(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStoreOrExit(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	stats, err := st.CollectStats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users:    %d\n", stats.Users)
	fmt.Printf("Channels: %d\n", stats.Channels)
	fmt.Printf("Messages: %d\n", stats.Messages)
	fmt.Printf("Sessions: %d\n", stats.Sessions)
	fmt.Printf("Version:  %s\n", Version)
	return true
}

func cliChannels(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		channels, err := st.ListChannels(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, ch := range channels {
			fmt.Printf("  [%d] %s — %s\n", ch.ID, ch.Name, ch.Description)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		name := args[1]
		description := strings.Join(args[2:], " ")
		ch, err := st.CreateChannel(ctx, name, description, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created channel %q (id=%d)\n", ch.Name, ch.ID)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: parley channels [list|create <name> [description]]\n")
	os.Exit(1)
	return true
}

func cliSessions(args []string, dbPath string) bool {
	if len(args) == 0 || args[0] != "prune" {
		fmt.Fprintf(os.Stderr, "Usage: parley sessions prune\n")
		os.Exit(1)
	}

	st := openStoreOrExit(dbPath)
	defer st.Close()

	n, err := st.DeleteExpiredSessions(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d expired sessions\n", n)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	outPath := "parley-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
