package module

import (
	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
)

// Private is the user's non-shared storage: pure passthrough, no
// events.
type Private struct {
	*Base
}

// NewPrivate builds the private module.
func NewPrivate(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Private {
	return &Private{Base: New("private", cfg, c, files)}
}

// Backup holds the user's backup subtree, passthrough like private.
type Backup struct {
	*Base
}

// NewBackup builds the backup module.
func NewBackup(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Backup {
	return &Backup{Base: New("backup", cfg, c, files)}
}
