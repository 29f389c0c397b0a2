package math

import (
	stdmath "math"
	"testing"
)

func TestMulDivRounding(t *testing.T) {
	cases := []struct {
		name     string
		a, b, d  int64
		mode     RoundingMode
		want     int64
	}{
		{"floor exact", 10, 3, 6, RoundDown, 5},
		{"floor truncating", 7, 600, 900, RoundDown, 4},
		{"ceil", 100, 600, 900, RoundUp, 67},
		{"ceil exact", 10, 3, 6, RoundUp, 5},
		// Directional, not truncating: floor of a negative goes down.
		{"floor negative", -7, 1, 2, RoundDown, -4},
		{"ceil negative", -7, 1, 2, RoundUp, -3},
		{"floor negative denominator", 7, 1, -2, RoundDown, -4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MulDiv(tc.a, tc.b, tc.d, tc.mode); got != tc.want {
				t.Errorf("MulDiv(%d, %d, %d, %v) = %d, want %d", tc.a, tc.b, tc.d, tc.mode, got, tc.want)
			}
		})
	}
}

func TestMulDivNoIntermediateOverflow(t *testing.T) {
	// a*b overflows int64; the int128 intermediate must not.
	got := MulDivFloor(stdmath.MaxInt64, 2, 4)
	want := int64(4611686018427387903) // floor((2^63-1)*2/4)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestApplyRate(t *testing.T) {
	if got := ApplyRateFloor(101, 500_000); got != 50 {
		t.Errorf("ApplyRateFloor(101, 50%%) = %d, want 50", got)
	}
	if got := ApplyRateCeil(101, 500_000); got != 51 {
		t.Errorf("ApplyRateCeil(101, 50%%) = %d, want 51", got)
	}
	if got := ApplyRateFloor(100, RateScale); got != 100 {
		t.Errorf("ApplyRateFloor(100, 100%%) = %d, want 100", got)
	}
}

func TestClampRate(t *testing.T) {
	if got := ClampRate(-5); got != 0 {
		t.Errorf("negative: got %d, want 0", got)
	}
	if got := ClampRate(2 * RateScale); got != RateScale {
		t.Errorf("over 100%%: got %d, want %d", got, int64(RateScale))
	}
	if got := ClampRate(123_456); got != 123_456 {
		t.Errorf("in range: got %d, want 123456", got)
	}
}
