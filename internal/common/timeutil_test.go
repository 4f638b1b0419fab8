package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUTC(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	local := time.Date(2025, 3, 15, 10, 0, 0, 0, loc)
	utc := ToUTC(local)

	assert.Equal(t, time.UTC, utc.Location())
	assert.True(t, local.Equal(utc))
}

func TestToUTCPtr_Nil(t *testing.T) {
	assert.Nil(t, ToUTCPtr(nil))
}

func TestFormatAndParseISO8601_RoundTrip(t *testing.T) {
	original := time.Date(2025, 3, 15, 10, 30, 45, 123456789, time.UTC)

	parsed, err := ParseISO8601(FormatISO8601(original))
	require.NoError(t, err)
	assert.True(t, original.Equal(parsed))
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestParseISO8601_NaiveTimestampIsUTC(t *testing.T) {
	parsed, err := ParseISO8601("2025-03-15T10:30:45")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
	assert.Equal(t, 10, parsed.Hour())
}
