package util

import (
	"fmt"
	"net"
)

// IsValidIPv4 reports whether s parses as an IPv4 address.
func IsValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

const maxASN = 4294967295 // 4-byte ASN range

// ValidateASN checks that asn is a valid autonomous system number, used by
// the AS-path annotator (C4) before trusting a parsed hop.
func ValidateASN(asn int) error {
	if asn < 1 || asn > maxASN {
		return fmt.Errorf("AS number must be between 1 and %d, got %d", maxASN, asn)
	}
	return nil
}

// ValidateMTU checks mtu falls within the range the kernel will accept on
// an Ethernet-family link; used by the probe engine's MTU binary search
// (C3) to bound candidate values before invoking ping.
func ValidateMTU(mtu int) error {
	if mtu < 68 || mtu > 9216 {
		return fmt.Errorf("MTU must be between 68 and 9216, got %d", mtu)
	}
	return nil
}
