package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestParseNumeric(t *testing.T) {
	d, err := parseNumeric("1234.5600")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("1234.56")))

	_, err = parseNumeric("NaN")
	require.ErrorIs(t, err, ErrCorruptAmount)
}

func TestParseBackstop(t *testing.T) {
	b, err := parseBackstop(nil, ptr("100"))
	require.NoError(t, err)
	require.Nil(t, b, "no reserve means no backstop")

	b, err = parseBackstop(ptr("5000"), nil)
	require.NoError(t, err)
	require.True(t, b.Reserve.Equal(decimal.NewFromInt(5000)))
	require.True(t, b.Coverage.IsZero())

	_, err = parseBackstop(ptr("lots"), ptr("1000"))
	require.ErrorIs(t, err, ErrCorruptAmount)

	_, err = parseBackstop(ptr("5000"), ptr(""))
	require.ErrorIs(t, err, ErrCorruptAmount, "a bad coverage is not read as uncapped")
}
