// CLI defines sessionctl's kong command structure, mirroring the shape of
// the teacher's cmd/agent/cli.go: one struct field per subcommand, flags
// as struct tags.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// CLI is the top-level sessionctl command tree.
type CLI struct {
	Status      StatusCmd      `cmd:"" help:"Show aggregate session stats and streak"`
	List        ListCmd        `cmd:"" help:"List sealed sessions"`
	Tail        TailCmd        `cmd:"" help:"Replay or follow one session's chain"`
	Milestones  MilestonesCmd  `cmd:"" help:"List milestones"`
	SealActive  SealActiveCmd  `cmd:"" help:"Force-seal every in-memory session via the running daemon"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// StatusCmd prints the folded aggregate stats.
type StatusCmd struct {
	Home string `help:"Daemon home directory override" env:"USEAI_HOME"`
}

// ListCmd lists sealed sessions from the local index.
type ListCmd struct {
	Home           string `help:"Daemon home directory override" env:"USEAI_HOME"`
	Project        string `help:"Filter by project"`
	Client         string `help:"Filter by client"`
	ConversationID string `help:"Filter by conversation id"`
	JSON           bool   `help:"Emit JSON instead of a table"`
}

// TailCmd replays (and optionally follows) one session's chain file.
type TailCmd struct {
	Session  string `arg:"" help:"Session id to tail"`
	Home     string `help:"Daemon home directory override" env:"USEAI_HOME"`
	Verbose  bool   `short:"v" help:"Show per-record payload detail"`
	Follow   bool   `short:"f" help:"Watch the chain file for new records (active sessions only)"`
	NoPager  bool   `help:"Disable the interactive pager (for piping)"`
}

// MilestonesCmd lists milestones, optionally scoped to one session.
type MilestonesCmd struct {
	Home    string `help:"Daemon home directory override" env:"USEAI_HOME"`
	Session string `arg:"" optional:"" help:"Session id to scope to"`
	JSON    bool   `help:"Emit JSON instead of a table"`
}

// SealActiveCmd calls the running daemon's POST /seal-active.
type SealActiveCmd struct {
	Addr string `help:"Daemon address" default:"127.0.0.1:8765"`
}

// VersionCmd prints build metadata.
type VersionCmd struct{}

func (v VersionCmd) Run() error {
	fmt.Printf("sessionctl version %s (commit: %s)\n", version, commit)
	return nil
}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
