package client

import (
	"os"
	"runtime"
)

// autoMetadata collects host facts attached to every notification and
// process start so messages identify where the experiment ran.
func autoMetadata() map[string]any {
	m := map[string]any{
		"pid":        os.Getpid(),
		"os":         runtime.GOOS,
		"go_version": runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		m["hostname"] = host
	}
	return m
}
