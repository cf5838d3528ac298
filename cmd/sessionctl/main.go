// Command sessionctl is the local inspection CLI for the session daemon:
// it reads the same on-disk indices and chain files sessiond writes, and
// can poke the running daemon's REST surface for destructive or live
// operations. Structured the way the teacher's cmd/agent does (kong-based
// subcommands) with its cmd/replay's interactive pager folded in as the
// `tail` subcommand instead of a separate binary.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/sessiond/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("sessionctl"),
		kong.Description("Inspect and manage useai-sessiond's local session log."),
		kongVars(),
	)

	err := parser.Run()
	parser.FatalIfErrorf(err)
}

// resolveConfig resolves the daemon's home directory the way sessiond
// first does (defaults, then the env overlay), with an explicit --home
// taking precedence, so sessionctl reads from the directories the running
// daemon writes to. The bootstrap TOML and config.json are not read.
func resolveConfig(homeOverride string) (*config.Config, config.Paths, error) {
	cfg := config.New()
	if homeOverride != "" {
		cfg.HomeDir = homeOverride
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, config.Paths{}, fmt.Errorf("apply env: %w", err)
	}
	if homeOverride != "" {
		cfg.HomeDir = homeOverride // the env overlay must not clobber an explicit --home
	}
	paths := cfg.Paths()
	if _, err := os.Stat(paths.Root); err != nil {
		return cfg, paths, fmt.Errorf("daemon home %s not found: %w", paths.Root, err)
	}
	return cfg, paths, nil
}
