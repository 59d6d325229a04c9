package helper

import (
	"fmt"
	"regexp"
)

// Binding to an address of the form `hostname:port` unnecessarily
// involves a DNS query, so only the port is kept from the configured
// address and the listener binds to 0.0.0.0.
var portSuffix = regexp.MustCompile(`:(\d{1,5})$`)

// HasPortSuffix reports whether the address carries a trailing
// `:<port>`. Addresses with a port are TCP, anything else is used
// verbatim, which supports Unix socket paths.
func HasPortSuffix(address string) bool {
	return portSuffix.MatchString(address)
}

// ListenAddress derives the local bind address for the configured
// peer address.
func ListenAddress(address string) string {
	match := portSuffix.FindStringSubmatch(address)
	if match == nil {
		return address
	}
	return fmt.Sprintf("0.0.0.0:%s", match[1])
}
