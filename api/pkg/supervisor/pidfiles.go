package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// PIDFileNames lists the PID files a bootstrap script writes into the work
// directory, in teardown order: the application first, the framebuffer last.
var PIDFileNames = []string{
	"app.pid",
	"novnc.pid",
	"vnc.pid",
	"openbox.pid",
	"xvfb.pid",
}

// ProcessRole is one member of an instance's process tree
type ProcessRole struct {
	Name    string
	PIDFile string
	PID     int
}

// RoleName strips the .pid suffix from a PID file name
func RoleName(pidFile string) string {
	return strings.TrimSuffix(filepath.Base(pidFile), ".pid")
}

// ReadProcessRoles returns the roles whose PID file exists and holds a
// positive integer. A missing file means the role never started or already
// cleaned up after itself.
func ReadProcessRoles(workDir string) []ProcessRole {
	var roles []ProcessRole
	for _, name := range PIDFileNames {
		path := filepath.Join(workDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Debug().Err(err).Str("pid_file", path).Msg("unable to read pid file")
			}
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 {
			log.Debug().Str("pid_file", path).Str("content", string(data)).Msg("ignoring malformed pid file")
			continue
		}
		roles = append(roles, ProcessRole{
			Name:    RoleName(name),
			PIDFile: path,
			PID:     pid,
		})
	}
	return roles
}
