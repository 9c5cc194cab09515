package fils

import (
	"math/big"
	"testing"
)

func TestParseUSDT(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"1", "1000000", true},
		{"1.50", "1500000", true},
		{"0.000001", "1", true},
		{"0.0000019", "1", true}, // sub-micro digits truncate
		{"100.123456", "100123456", true},
		{"-5", "", false},
		{"1.2.3", "", false},
		{"abc", "", false},
	}
	for _, c := range cases {
		got, ok := ParseUSDT(c.in)
		if ok != c.ok {
			t.Errorf("ParseUSDT(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && got.String() != c.want {
			t.Errorf("ParseUSDT(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseAED(t *testing.T) {
	got, ok := ParseAED("367.34")
	if !ok || got.String() != "36734" {
		t.Fatalf("ParseAED(367.34) = %v, %v", got, ok)
	}
	got, ok = ParseAED("0.999")
	if !ok || got.String() != "99" {
		t.Fatalf("ParseAED(0.999) = %v, want floor to 99 fils", got)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	if s := FormatUSDT(big.NewInt(1500000)); s != "1.500000" {
		t.Fatalf("FormatUSDT = %q", s)
	}
	if s := FormatAED(big.NewInt(36734)); s != "367.34" {
		t.Fatalf("FormatAED = %q", s)
	}
	if s := FormatAED(big.NewInt(-5)); s != "-0.05" {
		t.Fatalf("FormatAED(-5) = %q", s)
	}
	if s := FormatUSDT(nil); s != "0.000000" {
		t.Fatalf("FormatUSDT(nil) = %q", s)
	}
}

func TestUSDTToFils(t *testing.T) {
	// 100 USDT at 3.67 AED/USDT = 367 AED = 36700 fils
	got, ok := USDTToFils(big.NewInt(100_000_000), "3.67")
	if !ok || got.String() != "36700" {
		t.Fatalf("USDTToFils(100, 3.67) = %v", got)
	}

	// flooring: 0.27 USDT * 3.67 = 0.9909 AED -> 99 fils
	got, ok = USDTToFils(big.NewInt(270_000), "3.67")
	if !ok || got.String() != "99" {
		t.Fatalf("USDTToFils(0.27, 3.67) = %v, want 99", got)
	}

	if _, ok := USDTToFils(big.NewInt(1), "bad"); ok {
		t.Fatal("invalid rate should be rejected")
	}
}

func TestFilsToUSDT(t *testing.T) {
	got, ok := FilsToUSDT(big.NewInt(36700), "3.67")
	if !ok || got.String() != "100000000" {
		t.Fatalf("FilsToUSDT(36700, 3.67) = %v", got)
	}
	if _, ok := FilsToUSDT(big.NewInt(1), "0"); ok {
		t.Fatal("zero rate should be rejected")
	}
}

// A full convert-and-back cycle may only lose value to flooring, never gain.
func TestConversionNeverCreatesValue(t *testing.T) {
	for _, micro := range []int64{1, 270_000, 999_999, 1_000_001, 123_456_789} {
		f, ok := USDTToFils(big.NewInt(micro), "3.67")
		if !ok {
			t.Fatalf("USDTToFils(%d) failed", micro)
		}
		back, ok := FilsToUSDT(f, "3.67")
		if !ok {
			t.Fatalf("FilsToUSDT(%s) failed", f)
		}
		if back.Cmp(big.NewInt(micro)) > 0 {
			t.Fatalf("round trip of %d gained value: %s", micro, back)
		}
	}
}

func TestFeeFils(t *testing.T) {
	cases := []struct {
		amount int64
		pct    string
		want   string
	}{
		{10000, "2.5", "250"},
		{10000, "0", "0"},
		{101, "0.5", "1"},  // 0.505 rounds up
		{100, "0.49", "0"}, // 0.49 rounds down
		{36700, "1", "367"},
	}
	for _, c := range cases {
		got, ok := FeeFils(big.NewInt(c.amount), c.pct)
		if !ok || got.String() != c.want {
			t.Errorf("FeeFils(%d, %s) = %v, want %s", c.amount, c.pct, got, c.want)
		}
	}
	if _, ok := FeeFils(big.NewInt(100), "-1"); ok {
		t.Fatal("negative fee percentage should be rejected")
	}
}
