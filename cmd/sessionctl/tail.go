package main

import (
	"fmt"

	"github.com/vinayprograms/sessiond/internal/display"
)

// Run replays a session's chain, either as a one-shot render (for piping
// or --no-pager) or inside the interactive pager, optionally following the
// file while the session is still active (SPEC_FULL.md §4.5's
// GET /sessions/{id}/chain).
func (c *TailCmd) Run() error {
	_, paths, err := resolveConfig(c.Home)
	if err != nil {
		return err
	}
	surface, err := loadSurface(paths)
	if err != nil {
		return err
	}

	render := func() (string, error) {
		records, err := surface.Tail(c.Session)
		if err != nil {
			return "", err
		}
		return display.RenderHeader(c.Session) + display.RenderChain(records, c.Verbose), nil
	}

	content, err := render()
	if err != nil {
		return fmt.Errorf("read chain for %s: %w", c.Session, err)
	}

	if c.NoPager {
		fmt.Print(content)
		return nil
	}

	p := newPager(c.Session)
	if c.Follow {
		if !surface.IsActive(c.Session) {
			return fmt.Errorf("session %s is sealed; --follow only applies to active sessions", c.Session)
		}
		return p.RunLive(surface.ActiveFilePath(c.Session), render)
	}
	return p.Run(content)
}
