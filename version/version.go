package version

import (
	"net"
	"net/url"
)

var Version string = "0.0.0"

// IsLocalHost reports whether host points to the local machine.
func IsLocalHost(host *url.URL) bool {
	hostname := host.Hostname()
	switch hostname {
	case "", "127.0.0.1", "localhost", "::1", "0.0.0.0":
		return true
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}
