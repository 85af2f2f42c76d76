package mathx

import "testing"

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{7, 8, 0, 7},
		{8, 8, 1, 0},
		{-1, 8, -1, 7},
		{-8, 8, -1, 0},
		{-9, 8, -2, 7},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.q {
			t.Fatalf("FloorDiv(%d,%d): got %d want %d", c.a, c.b, got, c.q)
		}
		if got := Mod(c.a, c.b); got != c.m {
			t.Fatalf("Mod(%d,%d): got %d want %d", c.a, c.b, got, c.m)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash3(1, 2, 3, 4) != Hash3(1, 2, 3, 4) {
		t.Fatalf("Hash3 not deterministic")
	}
	if Hash3(1, 2, 3, 4) == Hash3(2, 2, 3, 4) || Hash3(1, 2, 3, 4) == Hash3(1, 4, 3, 2) {
		t.Fatalf("Hash3 collides on seed or axis swap")
	}
	if Hash2(7, -1, 5) == Hash2(7, 5, -1) {
		t.Fatalf("Hash2 symmetric in x/z")
	}
}

func TestUnitRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		u := Unit(Hash3(9, i, -i, i*3))
		if u < 0 || u >= 1 {
			t.Fatalf("Unit out of range: %v", u)
		}
		if s := Signed(Hash2(9, i, i)); s < -1 || s >= 1 {
			t.Fatalf("Signed out of range: %v", s)
		}
	}
	if Unit(^uint64(0)) >= 1 {
		t.Fatalf("Unit(max) must stay below 1")
	}
}

func TestSmoothAndLerp(t *testing.T) {
	if Smooth(0) != 0 || Smooth(1) != 1 || Smooth(0.5) != 0.5 {
		t.Fatalf("smoothstep endpoints wrong")
	}
	if Lerp(2, 6, 0.25) != 3 {
		t.Fatalf("lerp: got %v", Lerp(2, 6, 0.25))
	}
}
