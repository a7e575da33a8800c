package codec_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := codec.Entry{
		Headers: [][]byte{[]byte("v1"), []byte("id-0001")},
		Content: []byte(`{"title":"A"}`),
	}
	raw := e.Encode()

	decoded, err := codec.DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, e.Headers, decoded.Headers)
	assert.Equal(t, e.Content, decoded.Content)

	// Re-encoding must reproduce the exact same bytes, including framing.
	assert.Equal(t, raw, decoded.Encode())
}

func TestEntryWithZeroLengthHeaderAndNoContent(t *testing.T) {
	e := codec.Entry{Headers: [][]byte{{}, []byte("x")}, Content: nil}
	raw := e.Encode()
	decoded, err := codec.DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, e.Headers, decoded.Headers)
	assert.Empty(t, decoded.Content)
}

func TestDecodeEntryRejectsTruncation(t *testing.T) {
	_, err := codec.DecodeEntry([]byte("5 abc"))
	assert.ErrorIs(t, err, codec.ErrInvalidEntryFormat)
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	b := codec.Block{Kind: codec.KindComplete, Payload: []byte("hello world")}
	r := bufio.NewReader(bytes.NewReader(b.Encode()))
	decoded, err := codec.DecodeBlock(r)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestDecodeBlockRejectsUnknownMarker(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("?3\nabc\n")))
	_, err := codec.DecodeBlock(r)
	assert.ErrorIs(t, err, codec.ErrInvalidPageFormat)
}

func TestDecodeBlockRejectsOversizedDigits(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("=123456789012\nx\n")))
	_, err := codec.DecodeBlock(r)
	assert.ErrorIs(t, err, codec.ErrInvalidPageFormat)
}

func TestReassembleComplete(t *testing.T) {
	blocks := []codec.Block{{Kind: codec.KindComplete, Payload: []byte("abc")}}
	out, err := codec.Reassemble(blocks)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestReassembleHeadSliceTail(t *testing.T) {
	blocks := []codec.Block{
		{Kind: codec.KindHead, Payload: []byte("ab")},
		{Kind: codec.KindSlice, Payload: []byte("cd")},
		{Kind: codec.KindTail, Payload: []byte("ef")},
	}
	out, err := codec.Reassemble(blocks)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), out)
}

func TestReassembleRejectsBadShapes(t *testing.T) {
	_, err := codec.Reassemble(nil)
	assert.ErrorIs(t, err, codec.ErrInvalidPageFormat)

	_, err = codec.Reassemble([]codec.Block{{Kind: codec.KindHead, Payload: []byte("a")}})
	assert.ErrorIs(t, err, codec.ErrInvalidPageFormat)

	_, err = codec.Reassemble([]codec.Block{
		{Kind: codec.KindComplete, Payload: []byte("a")},
		{Kind: codec.KindTail, Payload: []byte("b")},
	})
	assert.ErrorIs(t, err, codec.ErrInvalidPageFormat)
}

func TestPackFitsWhollyOnCurrentPage(t *testing.T) {
	entry := []byte("small entry")
	result, err := codec.Pack(entry, 4096, 4096)
	require.NoError(t, err)
	require.Len(t, result.Blocks, 1)
	assert.Equal(t, codec.KindComplete, result.Blocks[0].Kind)
	assert.False(t, result.SkipCurrentPage)
}

func TestPackSplitsAcrossPages(t *testing.T) {
	entry := bytes.Repeat([]byte("x"), 1000)
	result, err := codec.Pack(entry, 100, 300)
	require.NoError(t, err)
	require.True(t, len(result.Blocks) > 2)
	assert.Equal(t, codec.KindHead, result.Blocks[0].Kind)
	assert.Equal(t, codec.KindTail, result.Blocks[len(result.Blocks)-1].Kind)
	for _, b := range result.Blocks[1 : len(result.Blocks)-1] {
		assert.Equal(t, codec.KindSlice, b.Kind)
	}

	reassembled, err := codec.Reassemble(result.Blocks)
	require.NoError(t, err)
	assert.Equal(t, entry, reassembled)
}

func TestPackSkipsNearlyFullCurrentPage(t *testing.T) {
	entry := []byte("entry that needs a fresh page")
	result, err := codec.Pack(entry, 3, 4096)
	require.NoError(t, err)
	assert.True(t, result.SkipCurrentPage)
	require.Len(t, result.Blocks, 1)
	assert.Equal(t, codec.KindComplete, result.Blocks[0].Kind)
}

func TestUsableSpaceIsMonotonic(t *testing.T) {
	prev := -1
	for space := 5; space <= 4096; space++ {
		u := codec.UsableSpace(space)
		assert.True(t, u >= prev, "usable space must not shrink as page space grows")
		prev = u
	}
}

// TestBlockRoundTripProperty exercises the "block roundtrip" testable property
// from spec.md §8 over a range of page sizes.
func TestBlockRoundTripProperty(t *testing.T) {
	entries := [][]byte{
		nil,
		[]byte("a"),
		bytes.Repeat([]byte("pagestore"), 500),
	}
	pageSizes := []int{5, 16, 64, 128, 4096}
	for _, entry := range entries {
		for _, max := range pageSizes {
			result, err := codec.Pack(entry, max, max)
			require.NoError(t, err)
			out, err := codec.Reassemble(result.Blocks)
			require.NoError(t, err)
			assert.Equal(t, entry, out)
		}
	}
}
