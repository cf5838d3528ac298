package main

import (
	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/config"
	"github.com/vinayprograms/sessiond/internal/index"
	"github.com/vinayprograms/sessiond/internal/query"
)

// loadSurface builds a read-only query.Surface directly over the daemon's
// on-disk indices and chain directories. sessionctl never runs a
// coordinator or registry of its own — it is a reader sharing the same
// files sessiond writes, the way the teacher's cmd/replay reads session
// files sessiond's own agent runtime produces.
func loadSurface(paths config.Paths) (*query.Surface, error) {
	sessionsIdx, err := index.LoadSessionsIndex(paths.SessionsIndex)
	if err != nil {
		return nil, err
	}
	milestonesIdx, err := index.LoadMilestonesIndex(paths.MilestonesFile)
	if err != nil {
		return nil, err
	}
	chains := chainstore.New(paths.ActiveDir, paths.SealedDir, nil)
	return query.New(sessionsIdx, milestonesIdx, chains), nil
}
