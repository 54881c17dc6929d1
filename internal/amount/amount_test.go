package amount

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
)

type formatCase struct {
	parse      string
	value      int64
	formatted  string
	withSymbol string
}

func TestFormatBTC(t *testing.T) {
	cases := []formatCase{
		{"12,345", 12345000, "12,345.000", "BTC 12,345.000"},
		{"1", 1000, "1.000", "BTC 1.000"},
		{"0", 0, "0.000", "BTC 0.000"},
		{"-0", 0, "0.000", "BTC 0.000"},
		{"0.001", 1, "0.001", "BTC 0.001"},
		{"-0.001", -1, "-0.001", "-BTC 0.001"},
		{"-12,345", -12345000, "-12,345.000", "-BTC 12,345.000"},
		{"4611686018427387.904", 1 << 62, "4,611,686,018,427,387.904", "BTC 4,611,686,018,427,387.904"},
		{"-4611686018427387.904", -(1 << 62), "-4,611,686,018,427,387.904", "-BTC 4,611,686,018,427,387.904"},
	}
	runFormatCases(t, 3, "BTC", cases)
}

func TestFormatSilver(t *testing.T) {
	cases := []formatCase{
		{"12,345", 12345, "12,345", "sg 12,345"},
		{"1", 1, "1", "sg 1"},
		{"0", 0, "0", "sg 0"},
		{"-0", 0, "0", "sg 0"},
		{"-1", -1, "-1", "-sg 1"},
		{"-12,345", -12345, "-12,345", "-sg 12,345"},
		{"--1000", -1000, "-1,000", "-sg 1,000"},
		{"4611686018427387904", 1 << 62, "4,611,686,018,427,387,904", "sg 4,611,686,018,427,387,904"},
		{"-4611686018427387904", -(1 << 62), "-4,611,686,018,427,387,904", "-sg 4,611,686,018,427,387,904"},
	}
	runFormatCases(t, 0, "sg", cases)
}

func runFormatCases(t *testing.T, scale int32, symbol string, cases []formatCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.parse, func(t *testing.T) {
			v, err := Parse(scale, tc.parse)
			require.NoError(t, err)
			assert.Equal(t, tc.value, v)

			v, err = Parse(scale, tc.formatted)
			require.NoError(t, err)
			assert.Equal(t, tc.value, v)

			assert.Equal(t, tc.formatted, Format(scale, tc.value))
			assert.Equal(t, tc.withSymbol, FormatWithSymbol(scale, symbol, tc.value))
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, text := range []string{"XXXX", "", "   ", "-", "1.2.3", "12a", ".", "1e3", "+5", "1e50000000", "0x10", "1_000", "Inf", "NaN"} {
		_, err := Parse(0, text)
		assert.True(t, apperr.Is(err, apperr.InvalidArgument), "text %q: %v", text, err)
	}
}

func TestParseRoundsExtraDigits(t *testing.T) {
	v, err := Parse(3, "1.0004")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	v, err = Parse(3, "1.0005")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), v)

	v, err = Parse(3, "-1.0005")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001), v)

	v, err = Parse(3, ".5")
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)

	v, err = Parse(3, "2.")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), v)
}

func TestParseOverflow(t *testing.T) {
	_, err := Parse(0, "9223372036854775808")
	assert.True(t, apperr.Is(err, apperr.Overflow))

	_, err = Parse(3, "9223372036854775.808")
	assert.True(t, apperr.Is(err, apperr.Overflow))

	_, err = Parse(0, "1"+strings.Repeat("0", 5000))
	assert.True(t, apperr.Is(err, apperr.Overflow))

	v, err := Parse(0, "00000000000000000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = Parse(MaxScale+1, "1")
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestRoundTripExtremes(t *testing.T) {
	values := []int64{math.MaxInt64, math.MinInt64, math.MinInt64 + 1, 1 << 62, -(1 << 62), 0, 1, -1, 999, 1000}
	for _, scale := range []int32{0, 2, 3, 8, MaxScale} {
		for _, v := range values {
			got, err := Parse(scale, Format(scale, v))
			require.NoError(t, err, "scale %d value %d", scale, v)
			assert.Equal(t, v, got, "scale %d", scale)
		}
	}
}
