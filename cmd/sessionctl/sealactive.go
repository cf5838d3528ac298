package main

import (
	"fmt"
	"net/http"
)

// Run asks the running daemon to force-seal every in-memory session,
// mirroring the teacher's cmd/agent shutdown-notification call but aimed at
// the local REST surface instead of a remote collector.
func (c *SealActiveCmd) Run() error {
	url := "http://" + c.Addr + "/seal-active"
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w", c.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	fmt.Println("sealed all active sessions")
	return nil
}
