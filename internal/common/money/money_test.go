package money

import "testing"

func TestFromMajorRounding(t *testing.T) {
	tests := []struct {
		major float64
		want  int64
	}{
		{0, 0},
		{1, 100},
		{4000, 400000},
		{10.005, 1001}, // rounds half away from zero at 2dp
		{12.344, 1234},
		{12.345, 1235},
	}
	for _, tt := range tests {
		got := FromMajor(tt.major, KES)
		if got.AmountMinor != tt.want {
			t.Errorf("FromMajor(%v): got %d, want %d", tt.major, got.AmountMinor, tt.want)
		}
	}
}

func TestPercentageCommission(t *testing.T) {
	// 12.5% of 10,000.00 = 1,250.00
	total := FromMajor(10000, KES)
	commission := total.Percentage(1250)
	if commission.AmountMinor != 125000 {
		t.Errorf("commission: got %d, want 125000", commission.AmountMinor)
	}

	// Rounding: 12.5% of 0.01 = 0.00125 major -> 0 minor
	tiny := New(1, KES).Percentage(1250)
	if tiny.AmountMinor != 0 {
		t.Errorf("tiny commission: got %d, want 0", tiny.AmountMinor)
	}

	// 12.5% of 0.07 = 0.00875 -> rounds to 0.01
	small := New(7, KES).Percentage(1250)
	if small.AmountMinor != 1 {
		t.Errorf("small commission: got %d, want 1", small.AmountMinor)
	}
}

func TestSubClamped(t *testing.T) {
	a := New(500, KES)
	b := New(800, KES)

	if got := a.SubClamped(b); got.AmountMinor != 0 {
		t.Errorf("clamped sub: got %d, want 0", got.AmountMinor)
	}
	if got := b.SubClamped(a); got.AmountMinor != 300 {
		t.Errorf("sub: got %d, want 300", got.AmountMinor)
	}
}

func TestAddCurrencyMismatch(t *testing.T) {
	_, err := New(100, KES).Add(New(100, USD))
	if err == nil {
		t.Fatal("expected currency mismatch error")
	}
}

func TestGTE(t *testing.T) {
	if !New(100, KES).GTE(New(100, KES)) {
		t.Error("equal amounts should satisfy GTE")
	}
	if New(99, KES).GTE(New(100, KES)) {
		t.Error("smaller amount should not satisfy GTE")
	}
	if New(100, KES).GTE(New(100, USD)) {
		t.Error("different currencies must never compare true")
	}
}
