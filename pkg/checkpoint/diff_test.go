package checkpoint

import "testing"

func TestDiffSysctlReportsChangedKeysOnly(t *testing.T) {
	left := []byte("net.ipv4.tcp_congestion_control = cubic\nnet.core.default_qdisc = pfifo_fast\n")
	right := []byte("net.ipv4.tcp_congestion_control = bbr\nnet.core.default_qdisc = pfifo_fast\n")

	diffs := DiffSysctl(left, right)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 changed key, got %d: %+v", len(diffs), diffs)
	}
	if diffs[0].Key != "net.ipv4.tcp_congestion_control" || diffs[0].Left != "cubic" || diffs[0].Right != "bbr" {
		t.Fatalf("unexpected diff: %+v", diffs[0])
	}
}

func TestDiffSysctlReportsOneSidedKeys(t *testing.T) {
	left := []byte("net.ipv4.tcp_fastopen = 0\n")
	right := []byte("net.ipv4.tcp_fastopen = 0\nnet.core.rmem_max = 2500000\n")

	diffs := DiffSysctl(left, right)
	if len(diffs) != 1 || diffs[0].Key != "net.core.rmem_max" || diffs[0].Left != "" {
		t.Fatalf("unexpected diff: %+v", diffs)
	}
}
