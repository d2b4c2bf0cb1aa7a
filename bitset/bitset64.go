// Package bitset provides a 64-bit set used for small fixed resources such
// as hardware mailboxes.
package bitset

import "math/bits"

type Bitset64 uint64

func (b Bitset64) IsEmpty() bool     { return b == 0 }
func (b Bitset64) Count() int        { return bits.OnesCount64(uint64(b)) }
func (b Bitset64) Test(i uint8) bool { return i < 64 && b&(1<<i) != 0 }
func (b *Bitset64) Set(i uint8)      { *b |= 1 << i }
func (b *Bitset64) Clear(i uint8)    { *b &^= 1 << i }

// Full reports whether the n lowest bits are all set.
func (b Bitset64) Full(n uint8) bool {
	return b.PickableBelow(n) == 0
}

// PickableBelow is the mask of clear bits among the n lowest.
func (b Bitset64) PickableBelow(n uint8) Bitset64 {
	return ^b & mask(n)
}

// PickSet sets the lowest clear bit and returns its index.
func (b *Bitset64) PickSet() (result uint8, success bool) {
	return b.PickSetBelow(64)
}

// PickSetBelow is PickSet restricted to the n lowest bits.
func (b *Bitset64) PickSetBelow(n uint8) (result uint8, success bool) {
	free := b.PickableBelow(n)
	if free == 0 {
		return 0, false
	}
	x := bits.TrailingZeros64(uint64(free))
	*b |= 1 << x
	return uint8(x), true
}

// Lowest returns the index of the lowest set bit.
func (b Bitset64) Lowest() (uint8, bool) {
	if b == 0 {
		return 0, false
	}
	return uint8(bits.TrailingZeros64(uint64(b))), true
}

func mask(n uint8) Bitset64 {
	if n >= 64 {
		return ^Bitset64(0)
	}
	return 1<<n - 1
}
