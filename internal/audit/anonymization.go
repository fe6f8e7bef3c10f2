package audit

import (
	"net"
	"time"
)

// IPRetentionDays is how long full client IP addresses are kept in audit
// logs before anonymization.
const IPRetentionDays = 90

// AnonymizeIP strips the host-identifying part of an address while keeping
// enough for coarse geolocation. IPv4 loses the last octet, IPv6 keeps only
// the first 48 bits. Invalid input anonymizes to the empty string.
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	if ip4 := ip.To4(); ip4 != nil {
		masked := make(net.IP, len(ip4))
		copy(masked, ip4)
		masked[3] = 0
		return masked.String()
	}

	masked := make(net.IP, net.IPv6len)
	copy(masked, ip.To16())
	for i := 6; i < net.IPv6len; i++ {
		masked[i] = 0
	}
	return masked.String()
}

// IPAnonymizationCutoff returns the timestamp before which stored audit
// entries are due for anonymization.
func IPAnonymizationCutoff() time.Time {
	return time.Now().UTC().Add(-IPRetentionDays * 24 * time.Hour)
}
