package dateid_test

import (
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndParseRoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)
	id := dateid.New(when, 0x0123456789ABCDEF)

	require.Len(t, id.String(), dateid.Length)
	assert.Equal(t, "2024-03-07 09-05-01 0123456789ABCDEF", id.String())

	parsed, err := dateid.Parse(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	gotTime, err := parsed.Time()
	require.NoError(t, err)
	assert.True(t, when.Equal(gotTime))

	gotToken, err := parsed.Token()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789ABCDEF), gotToken)
}

func TestOrderingMatchesChronology(t *testing.T) {
	earlier := dateid.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0xFFFFFFFFFFFFFFFF)
	later := dateid.New(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), 0)

	assert.True(t, earlier.Before(later))
	assert.Equal(t, -1, earlier.Compare(later))
	assert.Equal(t, 1, later.Compare(earlier))
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"2024-01-01 00-00-00 short",
		"2024-01-01T00:00:00 0000000000000000",
		"2024-13-40 99-99-99 0000000000000000",
		"2024-01-01 00-00-00 ZZZZZZZZZZZZZZZZ",
	}
	for _, raw := range cases {
		_, err := dateid.Parse(raw)
		assert.Error(t, err, raw)
	}
}

func TestGenerateProducesUniqueParsableIDs(t *testing.T) {
	a, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	b, err := dateid.Generate(time.Now())
	require.NoError(t, err)

	assert.False(t, a.Equal(b))
	_, err = dateid.Parse(a.String())
	assert.NoError(t, err)
}

func TestMarshalTextRoundTrip(t *testing.T) {
	id := dateid.New(time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC), 42)
	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded dateid.ID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.True(t, id.Equal(decoded))
}
