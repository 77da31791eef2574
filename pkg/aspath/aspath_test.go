package aspath

import "testing"

func TestTier1Membership(t *testing.T) {
	if !tier1[174] {
		t.Fatal("AS174 must be tier-1")
	}
	if tier1[64512] {
		t.Fatal("private ASN must not be tier-1")
	}
}

func TestASNumberRegexExtractsInOrder(t *testing.T) {
	sample := "h 1 10.0.0.1 AS64512\nh 2 100.64.0.1 AS64512\nh 3 1.1.1.1 AS13335"
	matches := asNumberRe.FindAllStringSubmatch(sample, -1)
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0][1] != "64512" || matches[2][1] != "13335" {
		t.Fatalf("unexpected AS numbers extracted: %v", matches)
	}
}
