// Package inventory implements C2: link enumeration, classification, and
// per-link gateway discovery.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/util"
)

// Class is a link's traffic-shaping category, used by the planner (C5) to
// pick a weight multiplier and by the tie-breaker to order the plan.
type Class string

const (
	ClassEthernet Class = "ethernet"
	ClassWifi     Class = "wifi"
	ClassMobile   Class = "mobile"
	ClassUnknown  Class = "unknown"
)

// Priority returns the class's tie-break ordinal (lower sorts first),
// matching spec.md §4.5's "ethernet < wifi < mobile < unknown".
func (c Class) Priority() int {
	switch c {
	case ClassEthernet:
		return 0
	case ClassWifi:
		return 1
	case ClassMobile:
		return 2
	default:
		return 3
	}
}

// Link describes one admin-up, non-excluded kernel network interface.
type Link struct {
	Name      string
	Class     Class
	AdminUp   bool
	Carrier   bool
	MAC       string
	MTU       int
	SpeedMbps *int // nil when unknown (link down, driver doesn't expose it)
}

var (
	excludeRe    = regexp.MustCompile(`^lo$|^docker|^veth|^br-|^virbr`)
	wifiNameRe   = regexp.MustCompile(`^(wl|wlan)`)
	mobileNameRe = regexp.MustCompile(`^(ppp|wwan|wwp|usb)`)
	ethNameRe    = regexp.MustCompile(`^(en|eth)`)
)

const sysfsARPHRDEther = 1 // ARPHRD_ETHER, sysfs "type" value for Ethernet-family devices

// Inventory enumerates interfaces and resolves their gateways.
type Inventory struct {
	clk       *clock.Clock
	sysfsRoot string // default "/sys/class/net", overridable in tests

	// ExcludeInterfaces additionally excludes names matching this regex,
	// set from the EXCLUDE_INTERFACES config key. Nil disables the extra
	// filter.
	ExcludeInterfaces *regexp.Regexp
}

// New returns an Inventory reading from the real sysfs tree.
func New(clk *clock.Clock) *Inventory {
	return &Inventory{clk: clk, sysfsRoot: "/sys/class/net"}
}

// NewAt returns an Inventory reading from an arbitrary root, for tests that
// stage a fake /sys/class/net tree.
func NewAt(clk *clock.Clock, sysfsRoot string) *Inventory {
	return &Inventory{clk: clk, sysfsRoot: sysfsRoot}
}

// List enumerates admin-up, non-excluded links and classifies each one.
// Missing sysfs nodes degrade a link to ClassUnknown with a warning rather
// than failing the whole enumeration (spec.md §4.2); only a catastrophic
// directory-read failure returns ErrInventory.
func (inv *Inventory) List(ctx context.Context) ([]Link, error) {
	entries, err := os.ReadDir(inv.sysfsRoot)
	if err != nil {
		return nil, util.NewStageError(util.ErrInventory, "inventory.list", 1, err)
	}

	links := make([]Link, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if excludeRe.MatchString(name) {
			continue
		}
		if inv.ExcludeInterfaces != nil && inv.ExcludeInterfaces.MatchString(name) {
			continue
		}

		adminUp, err := inv.isAdminUp(name)
		if err != nil {
			util.WithLink(name).Warn("inventory: could not read flags, skipping")
			continue
		}
		if !adminUp {
			continue
		}

		links = append(links, inv.describe(name))
	}
	return links, nil
}

// describe builds a Link from sysfs, never failing: any individual
// attribute that can't be read is left at its zero value and logged.
func (inv *Inventory) describe(name string) Link {
	link := Link{Name: name, AdminUp: true}
	link.Class = inv.classify(name)

	if carrier, err := inv.readInt(name, "carrier"); err == nil {
		link.Carrier = carrier == 1
	}
	if mac, err := inv.readString(name, "address"); err == nil {
		link.MAC = mac
	}
	if mtu, err := inv.readInt(name, "mtu"); err == nil {
		link.MTU = mtu
	} else {
		util.WithLink(name).Warn("inventory: mtu unavailable")
	}
	if speed, err := inv.readInt(name, "speed"); err == nil && speed > 0 {
		link.SpeedMbps = &speed
	}

	return link
}

// classify applies spec.md §4.2's ordered ruleset; first match wins.
func (inv *Inventory) classify(name string) Class {
	if inv.pathExists(name, "wireless") || inv.pathExists(name, "phy80211") {
		return ClassWifi
	}
	if wifiNameRe.MatchString(name) {
		return ClassWifi
	}
	if mobileNameRe.MatchString(name) {
		return ClassMobile
	}
	arphrd, err := inv.readInt(name, "type")
	isEtherType := err == nil && arphrd == sysfsARPHRDEther
	if ethNameRe.MatchString(name) && isEtherType {
		return ClassEthernet
	}
	if isEtherType {
		return ClassEthernet
	}
	return ClassUnknown
}

func (inv *Inventory) isAdminUp(name string) (bool, error) {
	flagsStr, err := inv.readString(name, "flags")
	if err != nil {
		return false, err
	}
	flagsStr = strings.TrimPrefix(strings.TrimSpace(flagsStr), "0x")
	flags, err := strconv.ParseUint(flagsStr, 16, 32)
	if err != nil {
		return false, err
	}
	const ifaceUp = 0x1 // IFF_UP
	return flags&ifaceUp != 0, nil
}

func (inv *Inventory) pathExists(linkName, leaf string) bool {
	_, err := os.Stat(filepath.Join(inv.sysfsRoot, linkName, leaf))
	return err == nil
}

func (inv *Inventory) readString(linkName, leaf string) (string, error) {
	data, err := os.ReadFile(filepath.Join(inv.sysfsRoot, linkName, leaf))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (inv *Inventory) readInt(linkName, leaf string) (int, error) {
	s, err := inv.readString(linkName, leaf)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// Gateway resolves the default-route next hop for link from the kernel
// routing table, or ("", false) when the link has no default route.
func (inv *Inventory) Gateway(ctx context.Context, linkName string) (string, bool, error) {
	res, err := inv.clk.Run(ctx, 2*time.Second, "ip", "route", "show", "dev", linkName)
	if err != nil {
		return "", false, fmt.Errorf("ip route show dev %s: %w", linkName, err)
	}
	if res.TimedOut {
		return "", false, fmt.Errorf("ip route show dev %s: timed out", linkName)
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "via" && i+1 < len(fields) {
				addr := fields[i+1]
				if !util.IsValidIPv4(addr) {
					// spec.md §1 non-goal: IPv6 is future work, not planned over.
					util.WithLink(linkName).WithField("gateway", addr).Debug("inventory: skipping non-IPv4 gateway")
					continue
				}
				return addr, true, nil
			}
		}
	}
	return "", false, nil
}
