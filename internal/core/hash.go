package core

import "github.com/spaolacci/murmur3"

// Hash32 is MurmurHash3 x86_32 with seed 0 over the UTF-8 bytes of s.
func Hash32(s string) uint32 {
	return murmur3.Sum32WithSeed([]byte(s), 0)
}
