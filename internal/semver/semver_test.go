package semver

import "testing"

func TestSatisfies(t *testing.T) {
	r := MustParseRange("^1.2.0")

	if !Satisfies(MustParseVersion("1.2.0"), r) {
		t.Fatalf("expected 1.2.0 to satisfy ^1.2.0")
	}
	if !Satisfies(MustParseVersion("1.9.9"), r) {
		t.Fatalf("expected 1.9.9 to satisfy ^1.2.0")
	}
	if Satisfies(MustParseVersion("2.0.0"), r) {
		t.Fatalf("expected 2.0.0 to NOT satisfy ^1.2.0")
	}
}

func TestParseRange_EmptyAndLatestMatchAnything(t *testing.T) {
	for _, raw := range []string{"", "  ", "latest"} {
		r, err := ParseRange(raw)
		if err != nil {
			t.Fatalf("ParseRange(%q): %v", raw, err)
		}
		if r.String() != "*" {
			t.Fatalf("ParseRange(%q) normalized to %q, want *", raw, r.String())
		}
		if !Satisfies(MustParseVersion("0.0.1"), r) {
			t.Fatalf("expected %q to match 0.0.1", raw)
		}
	}
}

func TestParseRange_Invalid(t *testing.T) {
	if _, err := ParseRange("not a range"); err == nil {
		t.Fatalf("expected error for invalid range")
	}
}

func TestMaxSatisfying(t *testing.T) {
	r := MustParseRange(">=1.0.0 <2.0.0")
	candidates := []Version{
		MustParseVersion("0.9.0"),
		MustParseVersion("1.0.0"),
		MustParseVersion("1.5.0"),
		MustParseVersion("2.0.0"),
	}

	best, ok := MaxSatisfying(r, candidates)
	if !ok {
		t.Fatalf("expected to find a satisfying version")
	}
	if Compare(best, MustParseVersion("1.5.0")) != 0 {
		t.Fatalf("expected best=1.5.0")
	}
}
