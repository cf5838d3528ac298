package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vinayprograms/sessiond/internal/index"
)

// Run lists milestones, scoped to one session if an id was given
// (SPEC_FULL.md §4.5's GET /milestones and GET /sessions/{id}/milestones).
func (c *MilestonesCmd) Run() error {
	_, paths, err := resolveConfig(c.Home)
	if err != nil {
		return err
	}
	surface, err := loadSurface(paths)
	if err != nil {
		return err
	}

	var milestones []index.Milestone
	if c.Session != "" {
		milestones = surface.ListMilestones(c.Session)
	} else {
		milestones = surface.AllMilestones()
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(milestones)
	}

	if len(milestones) == 0 {
		fmt.Println("no milestones recorded")
		return nil
	}
	fmt.Printf("%-36s  %-10s  %-8s  %-6s  %s\n", "SESSION", "CATEGORY", "COMPLEX", "MINS", "TITLE")
	for _, m := range milestones {
		title := m.Title
		if title == "" && m.PrivateTitle != "" {
			title = "(private)"
		}
		fmt.Printf("%-36s  %-10s  %-8s  %-6d  %s\n", m.SessionID, m.Category, m.Complexity, m.DurationMinutes, title)
	}
	return nil
}
