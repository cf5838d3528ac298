package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	labelStyle2  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Run prints the folded aggregate stats (SPEC_FULL.md §4.5).
func (c *StatusCmd) Run() error {
	_, paths, err := resolveConfig(c.Home)
	if err != nil {
		return err
	}
	surface, err := loadSurface(paths)
	if err != nil {
		return err
	}

	stats := surface.ComputeStats()
	fmt.Println(headingStyle.Render("Session stats"))
	fmt.Printf("%s %d\n", labelStyle2.Render("Total sessions:"), stats.TotalSessions)
	fmt.Printf("%s %s\n", labelStyle2.Render("Total time:"), humanizeSeconds(stats.TotalSeconds))
	fmt.Printf("%s %d\n", labelStyle2.Render("Files touched:"), stats.TotalFiles)
	fmt.Printf("%s %d\n", labelStyle2.Render("Milestones:"), stats.MilestoneCount)
	fmt.Printf("%s %d (longest %d)\n", labelStyle2.Render("Current streak:"), stats.CurrentStreak, stats.LongestStreak)

	if len(stats.ClientCounts) > 0 {
		fmt.Println(headingStyle.Render("\nBy client"))
		printCounts(stats.ClientCounts)
	}
	if len(stats.LanguageCounts) > 0 {
		fmt.Println(headingStyle.Render("\nBy language"))
		printCounts(stats.LanguageCounts)
	}
	return nil
}

func printCounts(m map[string]int) {
	for k, v := range m {
		fmt.Printf("  %-20s %d\n", k, v)
	}
}

func humanizeSeconds(s int64) string {
	h := s / 3600
	m := (s % 3600) / 60
	return fmt.Sprintf("%dh%dm", h, m)
}
