package codec

import "fmt"

// UsableSpace computes how many payload bytes fit in a block framed
// within pageSpace bytes (spec.md §4.2): the frame costs 4 bytes of
// fixed overhead (marker, two newlines, and the narrowest size-digit
// case) plus one byte per extra decimal digit the size field needs.
// Because the digit count depends on the usable size itself, the value
// is computed by fixed-point iteration until it stops changing; when a
// step would grow the value again (the size just crossed down a power of
// ten), the current value already fits and is kept.
func UsableSpace(pageSpace int) int {
	base := pageSpace - 4
	if base <= 0 {
		return 0
	}
	usable := base
	for {
		next := pageSpace - 4 - (decimalDigits(usable) - 1)
		if next >= usable || next <= 0 {
			if next <= 0 {
				return 0
			}
			return usable
		}
		usable = next
	}
}

func decimalDigits(n int) int {
	if n < 1 {
		return 1
	}
	d := 0
	for n > 0 {
		d++
		n /= 10
	}
	return d
}

// PackResult is the outcome of splitting one entry's bytes across pages.
// SkipCurrentPage is set when the current page had too little room (≤ 4
// bytes) to hold even a head block, per spec.md §4.2 step 3; in that case
// the caller must advance to a fresh page before placing Blocks[0].
type PackResult struct {
	SkipCurrentPage bool
	Blocks          []Block
}

// Pack splits entry across pages following spec.md §4.2's packing policy.
// remainingPageSpace is the space left on the page currently being
// written; maxPageSpace is the capacity of a freshly allocated page. The
// returned blocks are placed one per page in order: Blocks[0] on the
// current page (or the next one, if SkipCurrentPage), Blocks[1:] each on
// its own newly allocated page.
func Pack(entry []byte, remainingPageSpace, maxPageSpace int) (PackResult, error) {
	if maxPageSpace <= 4 {
		return PackResult{}, fmt.Errorf("codec: max page space %d must exceed 4", maxPageSpace)
	}
	if remainingPageSpace < 0 {
		return PackResult{}, fmt.Errorf("codec: remaining page space %d must be non-negative", remainingPageSpace)
	}

	result := PackResult{}
	if remainingPageSpace <= 4 {
		result.SkipCurrentPage = true
		remainingPageSpace = maxPageSpace
	}

	usable := UsableSpace(remainingPageSpace)
	if len(entry) <= usable {
		result.Blocks = append(result.Blocks, Block{Kind: KindComplete, Payload: entry})
		return result, nil
	}

	head := entry[:usable]
	rest := entry[usable:]
	result.Blocks = append(result.Blocks, Block{Kind: KindHead, Payload: head})

	usableMax := UsableSpace(maxPageSpace)
	for len(rest) > usableMax {
		result.Blocks = append(result.Blocks, Block{Kind: KindSlice, Payload: rest[:usableMax]})
		rest = rest[usableMax:]
	}
	result.Blocks = append(result.Blocks, Block{Kind: KindTail, Payload: rest})
	return result, nil
}
