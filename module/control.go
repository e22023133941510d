package module

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/mammut"
)

// controlFileName is the user-control file at the control module's
// root.
const controlFileName = "mammut.conf"

const controlTemplate = `# You can use # for comments like this line
# Configuration is set one option per line as
# option=value
# Whenever this file is saved it is re-read by mammut.
# If this file is emptied it will be replaced by the default config again

# Displayname is the name used as your public folder in the public listing.
`

type namechange struct {
	Event  string `json:"event"`
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// Control serves the user-control file: per-user settings the user
// edits through the mount. The file is re-parsed on every release;
// invalid lines are preserved with an error marker, and a changed
// displayname is reported to the daemon.
type Control struct {
	*FileBase

	init   sync.Once
	mu     sync.Mutex
	values map[string]string
}

// NewControl builds the control module. The file is created and
// parsed on first access, not at registration time.
func NewControl(cfg *config.Config, c *comm.Communicator, files *OpenFiles) *Control {
	ctl := &Control{
		FileBase: NewFileBase("control", controlFileName, cfg, c, files),
		values:   map[string]string{},
	}
	ctl.onDefault = ctl.writeDefault
	ctl.onChanged = ctl.reparse
	ctl.SetTranslator(ctl.Translate)
	return ctl
}

// Translate initialises the control file lazily, then applies the
// single-file rules.
func (ctl *Control) Translate(path string) (string, error) {
	ctl.init.Do(func() {
		ctl.ensure()
		ctl.reparse()
	})
	return ctl.FileBase.Translate(path)
}

// Displayname returns the name the user publishes under.
func (ctl *Control) Displayname() string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if name, ok := ctl.values["displayname"]; ok {
		return name
	}
	return ctl.cfg.Username
}

// writeDefault replaces the file with the default template.
func (ctl *Control) writeDefault() {
	phys, err := ctl.Passthrough("/" + ctl.filename)
	if err != nil {
		return
	}
	content := controlTemplate + "displayname=" + ctl.cfg.Username + "\n"
	if err := os.WriteFile(phys, []byte(content), 0600); err != nil {
		mammut.Warnf(ctl, "cannot write default %s: %v", phys, err)
		return
	}
	ctl.reparse()
}

// reparse reads the control file back in. Lines that do not parse are
// kept in a rewritten file behind an error marker so the user sees
// what was wrong; a missing displayname is appended.
func (ctl *Control) reparse() {
	phys, err := ctl.Passthrough("/" + ctl.filename)
	if err != nil {
		return
	}
	f, err := os.Open(phys)
	if err != nil {
		mammut.Warnf(ctl, "cannot open %s: %v", phys, err)
		return
	}
	parsed := map[string]string{}
	var rewritten strings.Builder
	broken := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, "\t ")
		if trimmed != "" && trimmed[0] != '#' {
			i := strings.IndexByte(trimmed, '=')
			if i < 0 {
				mammut.Infof(ctl, "skipping invalid line: %q", line)
				rewritten.WriteString("# ERROR: The next line is invalid and will be ignored\n# ")
				broken = true
			} else {
				parsed[trimmed[:i]] = trimmed[i+1:]
			}
		}
		rewritten.WriteString(line)
		rewritten.WriteString("\n")
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		mammut.Warnf(ctl, "cannot read %s: %v", phys, err)
		return
	}

	if _, ok := parsed["displayname"]; !ok {
		rewritten.WriteString("# WARNING: displayname was unconfigured.\n")
		rewritten.WriteString("displayname=" + ctl.cfg.Username + "\n")
		parsed["displayname"] = ctl.cfg.Username
		broken = true
	}

	ctl.mu.Lock()
	previous, had := ctl.values["displayname"]
	ctl.values = parsed
	ctl.mu.Unlock()

	if had && previous != parsed["displayname"] && ctl.comm != nil {
		mammut.Infof(ctl, "displayname changed: %s -> %s", previous, parsed["displayname"])
		ctl.comm.SendJSON(namechange{
			Event:  "namechange",
			Source: previous,
			Dest:   parsed["displayname"],
		})
	}

	if broken {
		if err := os.WriteFile(phys, []byte(rewritten.String()), 0600); err != nil {
			mammut.Warnf(ctl, "cannot rewrite %s: %v", phys, err)
		}
	}
}
