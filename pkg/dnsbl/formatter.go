// Package dnsbl implements the DNSBL query formatter, response classifier,
// and bounded-parallel fan-out checker (components A, B, C).
package dnsbl

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatQuery builds the reverse-octet DNSBL query name for ip in zone, e.g.
// "203.0.113.45" with zone "zen.example.org" becomes
// "45.113.0.203.zen.example.org." (fully qualified, with the trailing dot).
// It rejects any ip that is not four
// decimal octets in 0..255.
func FormatQuery(ip, zone string) (string, error) {
	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return "", fmt.Errorf("dnsbl: %q is not a dotted-quad IPv4 address", ip)
	}

	reversed := make([]string, 4)
	for i, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 || strconv.Itoa(n) != o {
			return "", fmt.Errorf("dnsbl: %q is not a dotted-quad IPv4 address", ip)
		}
		reversed[3-i] = o
	}

	return strings.Join(reversed, ".") + "." + strings.TrimSuffix(zone, ".") + ".", nil
}
