package internal

import (
	"os"
	"os/exec"
)

// UnbreakDocker attaches the current container to the default bridge network
// so tests running inside a dev container can reach testcontainers services.
// Failures are ignored; outside a container this is a no-op.
func UnbreakDocker() {
	// XXX: relies on the hostname being the container id, which is docker's default.
	if hostname, err := os.Hostname(); err == nil {
		exec.Command("docker", "network", "connect", "bridge", hostname).Run()
	}
}
