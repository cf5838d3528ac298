package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vinayprograms/sessiond/internal/index"
	"github.com/vinayprograms/sessiond/internal/query"
)

// Run lists sealed sessions from the local sessions index (SPEC_FULL.md
// §4.5's GET /sessions, in table form by default).
func (c *ListCmd) Run() error {
	_, paths, err := resolveConfig(c.Home)
	if err != nil {
		return err
	}
	surface, err := loadSurface(paths)
	if err != nil {
		return err
	}

	seals := surface.ListSessions(query.ListFilter{
		Project:        c.Project,
		Client:         c.Client,
		ConversationID: c.ConversationID,
	})

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(seals)
	}

	if len(seals) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	fmt.Printf("%-36s  %-18s  %-12s  %-8s  %s\n", "SESSION", "CLIENT", "TASK", "DUR", "TITLE")
	for _, s := range seals {
		fmt.Printf("%-36s  %-18s  %-12s  %-8s  %s\n", s.SessionID, truncate(s.Client, 18), truncate(s.TaskType, 12), humanizeSeconds(s.DurationSeconds), sealTitle(s))
	}
	return nil
}

func sealTitle(s index.Seal) string {
	if s.Title != "" {
		return s.Title
	}
	if s.PrivateTitle != "" {
		return "(private)"
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
