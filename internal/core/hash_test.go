package core

import "testing"

func TestHash32GoldenVectors(t *testing.T) {
	tests := []struct {
		input string
		want  uint32
	}{
		{input: "", want: 0},
		{input: "a", want: 1009084850},
		{input: "ab", want: 2613040991},
		{input: "abc", want: 3017643002},
		{input: "abcd", want: 1139631978},
		{input: "salt/user123", want: 1907851323},
		{input: "hello, world", want: 345750399},
		{input: "kitty", want: 3443463913},
		{input: "🐦", want: 1350603370},
		{input: "ünïcödé", want: 2069557956},
		{input: "My hovercraft is full of eels.", want: 2953494853},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Hash32(tt.input); got != tt.want {
				t.Fatalf("Hash32(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
