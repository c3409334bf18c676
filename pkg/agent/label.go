package agent

import (
	"fmt"
	"math/rand"
	"os"
)

// peerLabel names this client in logs: the invoking user, or the hostname,
// with a random suffix so several clients of one user are distinguishable.
func peerLabel(getenv func(string) string, hostname func() (string, error), n int) string {
	base := ""
	for _, key := range []string{"SUDO_USER", "USER", "LOGNAME", "USERNAME"} {
		if v := getenv(key); v != "" && v != "root" {
			base = v
			break
		}
	}
	if base == "" {
		if h, err := hostname(); err == nil && h != "" {
			base = h
		} else {
			base = "peer"
		}
	}
	return fmt.Sprintf("%s-%d", base, n)
}

func defaultPeerLabel() string {
	return peerLabel(os.Getenv, os.Hostname, rand.Intn(10000))
}
