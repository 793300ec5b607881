package oop

import (
	"math"
	"math/rand"
	"testing"
)

func TestSmallIntegerRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 2, -2, 1 << 40, -(1 << 40), (1 << 60) - 1, -(1 << 60)}
	for _, v := range values {
		enc := EncodeSmallInteger(v)
		if enc.Tag() != TagSmallInt {
			t.Fatalf("encode(%d) tag = %v, want TagSmallInt", v, enc.Tag())
		}
		if got := DecodeSmallInteger(enc); got != v {
			t.Fatalf("round trip %d -> %v -> %d", v, enc, got)
		}
	}
}

func TestSmallIntegerFitsBoundary(t *testing.T) {
	max := int64(1)<<60 - 1
	min := -(int64(1) << 60)
	if !SmallIntegerFits(max) || !SmallIntegerFits(min) {
		t.Fatalf("boundary values should fit")
	}
	if SmallIntegerFits(max + 1) {
		t.Fatalf("%d should not fit", max+1)
	}
	if SmallIntegerFits(min - 1) {
		t.Fatalf("%d should not fit", min-1)
	}
}

func TestCharacterRoundTrip(t *testing.T) {
	for _, r := range []rune{'a', 'Z', '0', '€', 0, 0x10FFFF} {
		enc := EncodeCharacter(r)
		if enc.Tag() != TagCharacter {
			t.Fatalf("encode(%q) tag = %v", r, enc.Tag())
		}
		if got := DecodeCharacter(enc); got != r {
			t.Fatalf("round trip %q -> %d -> %q", r, enc, got)
		}
	}
}

func TestSmallFloatRoundTrip(t *testing.T) {
	values := []float64{0, 1, -1, 0.5, 2.25, -3.75, 1.0 / 3.0, 123456.789}
	for _, f := range values {
		enc, ok := EncodeSmallFloat(f)
		if !ok {
			t.Fatalf("expected %v to be small-float representable", f)
		}
		if enc.Tag() != TagSmallFloat {
			t.Fatalf("encode(%v) tag = %v", f, enc.Tag())
		}
		if got := DecodeSmallFloat(enc); got != f {
			t.Fatalf("round trip %v -> %v -> %v", f, enc, got)
		}
	}
}

func TestSmallFloatRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	representable := 0
	for i := 0; i < 10000; i++ {
		f := (rng.Float64() - 0.5) * 1e6
		enc, ok := EncodeSmallFloat(f)
		if !ok {
			continue
		}
		representable++
		if got := DecodeSmallFloat(enc); got != f {
			t.Fatalf("round trip %v -> %v -> %v", f, enc, got)
		}
	}
	if representable == 0 {
		t.Fatalf("expected at least some small-float representable values")
	}
}

func TestSmallFloatOutOfRangeBoxesInstead(t *testing.T) {
	huge := math.MaxFloat64
	if _, ok := EncodeSmallFloat(huge); ok {
		t.Fatalf("expected MaxFloat64 to require boxing")
	}
	// Smallest normal double: biased exponent field is 1, which would
	// rebias to 0 and collide with the zero/subnormal encoding.
	smallestNormal := math.Float64frombits(1 << 52)
	if _, ok := EncodeSmallFloat(smallestNormal); ok {
		t.Fatalf("expected smallest normal double to require boxing")
	}
	// A subnormal (exponent field 0) is representable: the sentinel
	// exponent-field-0 encoding carries its mantissa through untouched.
	subnormal := math.SmallestNonzeroFloat64
	if _, ok := EncodeSmallFloat(subnormal); !ok {
		t.Fatalf("expected subnormal to be representable via the exponent=0 path")
	}
}

func TestTagsAreDisjoint(t *testing.T) {
	i := EncodeSmallInteger(5)
	c := EncodeCharacter('x')
	f, _ := EncodeSmallFloat(1.5)
	if i.Tag() == c.Tag() || i.Tag() == f.Tag() || c.Tag() == f.Tag() {
		t.Fatalf("expected distinct tags: %v %v %v", i.Tag(), c.Tag(), f.Tag())
	}
}
