package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, down, up uint64 }{
		{0, 8, 0, 0},
		{1, 8, 0, 8},
		{8, 8, 8, 8},
		{9, 8, 8, 16},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
	}
}

func TestCtz64(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 64},
		{1, 0},
		{2, 1},
		{0x8000000000000000, 63},
		{0xff00, 8},
	}
	for _, c := range cases {
		if got := Ctz64(c.v); got != c.want {
			t.Errorf("Ctz64(%#x) = %d, want %d", c.v, got, c.want)
		}
	}
}
