package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCronExpression_Valid(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 6 * * *",
		"*/15 * * * *",
		"30 2 1 * 0",
		"0 0 29 2 *",
	}
	for _, expr := range valid {
		assert.NoError(t, ValidateCronExpression(expr), expr)
	}
}

func TestValidateCronExpression_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"* * * *",
		"* * * * * *",
		"0 6 * * * extra",
		"61 * * * *",
		"* 25 * * *",
		"not a cron at all",
	}
	for _, expr := range invalid {
		assert.Error(t, ValidateCronExpression(expr), expr)
	}
}

func TestNextCronRun(t *testing.T) {
	after := time.Date(2025, 6, 1, 5, 30, 0, 0, time.UTC)

	next, err := NextCronRun("0 6 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC), next)

	next, err = NextCronRun("0 6 * * *", next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC), next)
}

func TestNextCronRun_InvalidExpression(t *testing.T) {
	_, err := NextCronRun("bad", time.Now())
	assert.Error(t, err)
}
