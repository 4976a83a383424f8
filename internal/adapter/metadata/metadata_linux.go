//go:build linux

package metadata

import (
	"os"
	"strings"
)

// hostNamespaceID reads the pid-namespace identity from /proc/self/ns/pid,
// which is a symlink of the form "pid:[4026531836]". Its target contains
// the namespace's inode number, which is stable for the lifetime of the
// namespace and differs across namespaces — exactly what spec §4.6's
// cross-namespace leak check needs.
func hostNamespaceID() string {
	link, err := os.Readlink("/proc/self/ns/pid")
	if err != nil {
		return ""
	}
	return link
}

func processComm() string {
	data, err := os.ReadFile("/proc/self/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
