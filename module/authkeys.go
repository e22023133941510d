package module

import (
	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
)

// authkeysFileName is the single file the authkeys module serves.
const authkeysFileName = "authorized_keys"

// Authkeys exposes the user's ssh authorized_keys file so sftp-only
// users can manage their keys. Removing the file is allowed; creating
// anything else is not.
type Authkeys struct {
	*FileBase
}

// NewAuthkeys builds the authkeys module.
func NewAuthkeys(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Authkeys {
	a := &Authkeys{FileBase: NewFileBase("authkeys", authkeysFileName, cfg, c, files)}
	a.allowUnlink = true
	return a
}
