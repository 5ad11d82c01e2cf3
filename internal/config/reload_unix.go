//go:build !windows

package config

import (
	"os"
	"syscall"
)

// reloadSignals trigger a config reload. SIGHUP covers orchestrators that
// cannot touch the mounted file, e.g. a ConfigMap swapped by symlink.
var reloadSignals = []os.Signal{syscall.SIGHUP}
