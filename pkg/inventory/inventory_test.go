package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSysfsLink(t *testing.T, root, name string, attrs map[string]string, wireless bool) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if wireless {
		if err := os.MkdirAll(filepath.Join(dir, "wireless"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListClassifiesAndExcludes(t *testing.T) {
	root := t.TempDir()

	writeSysfsLink(t, root, "eth0", map[string]string{
		"flags": "0x1043", "type": "1", "address": "aa:bb:cc:dd:ee:ff", "mtu": "1500", "carrier": "1",
	}, false)
	writeSysfsLink(t, root, "wlan0", map[string]string{
		"flags": "0x1043", "type": "1", "mtu": "1500", "carrier": "1",
	}, true)
	writeSysfsLink(t, root, "ppp0", map[string]string{
		"flags": "0x1043", "type": "512", "mtu": "1400", "carrier": "1",
	}, false)
	writeSysfsLink(t, root, "eth1-down", map[string]string{
		"flags": "0x1002", "type": "1", "mtu": "1500",
	}, false)
	writeSysfsLink(t, root, "docker0", map[string]string{
		"flags": "0x1043", "type": "1", "mtu": "1500",
	}, false)
	writeSysfsLink(t, root, "lo", map[string]string{
		"flags": "0x1049", "type": "772", "mtu": "65536",
	}, false)

	inv := NewAt(nil, root)
	links, err := inv.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	got := map[string]Class{}
	for _, l := range links {
		got[l.Name] = l.Class
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 admin-up non-excluded links, got %v", got)
	}
	if got["eth0"] != ClassEthernet {
		t.Errorf("eth0 class = %s, want ethernet", got["eth0"])
	}
	if got["wlan0"] != ClassWifi {
		t.Errorf("wlan0 class = %s, want wifi", got["wlan0"])
	}
	if _, ok := got["eth1-down"]; ok {
		t.Errorf("eth1-down (admin-down) should have been excluded")
	}
	if _, ok := got["docker0"]; ok {
		t.Errorf("docker0 should have been excluded by name filter")
	}
	if _, ok := got["lo"]; ok {
		t.Errorf("lo should have been excluded by name filter")
	}
}

func TestClassifyPPPIsMobile(t *testing.T) {
	root := t.TempDir()
	writeSysfsLink(t, root, "ppp0", map[string]string{"flags": "0x1043", "type": "512"}, false)
	inv := NewAt(nil, root)
	if c := inv.classify("ppp0"); c != ClassMobile {
		t.Fatalf("classify(ppp0) = %s, want mobile", c)
	}
}

func TestClassifyUnknownWhenNoSysfsType(t *testing.T) {
	root := t.TempDir()
	writeSysfsLink(t, root, "tun0", map[string]string{"flags": "0x1043"}, false)
	inv := NewAt(nil, root)
	if c := inv.classify("tun0"); c != ClassUnknown {
		t.Fatalf("classify(tun0) = %s, want unknown", c)
	}
}

func TestClassPriorityOrdering(t *testing.T) {
	if ClassEthernet.Priority() >= ClassWifi.Priority() {
		t.Fatal("ethernet must sort before wifi")
	}
	if ClassWifi.Priority() >= ClassMobile.Priority() {
		t.Fatal("wifi must sort before mobile")
	}
	if ClassMobile.Priority() >= ClassUnknown.Priority() {
		t.Fatal("mobile must sort before unknown")
	}
}
