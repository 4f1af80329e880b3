package supervisor

import (
	"os/exec"
)

// Commander is a wrapper around exec.Command to allow for testing. Instances
// outlive the request that created them, so commands are never bound to a
// context.
//
//go:generate mockgen -source $GOFILE -destination commander_mocks.go -package $GOPACKAGE
type Commander interface {
	LookPath(file string) (string, error)
	Command(name string, arg ...string) *exec.Cmd
}

type RealCommander struct{}

func (c *RealCommander) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (c *RealCommander) Command(name string, arg ...string) *exec.Cmd {
	return exec.Command(name, arg...)
}
