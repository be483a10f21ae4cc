package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("PRIMER_TEST_STRING", "hello")
	t.Setenv("PRIMER_TEST_BOOL", "true")
	t.Setenv("PRIMER_TEST_BAD_BOOL", "nope")
	t.Setenv("PRIMER_TEST_DURATION", "1500ms")

	s, err := Getenv(GetenvString, "PRIMER_TEST_STRING", true, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := Getenv(GetenvBool, "PRIMER_TEST_BOOL", false, false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = Getenv(GetenvBool, "PRIMER_TEST_BAD_BOOL", false, false)
	assert.Error(t, err)

	d, err := Getenv(GetenvDuration, "PRIMER_TEST_DURATION", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	fallback, err := Getenv(GetenvInt, "PRIMER_TEST_UNSET", false, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, fallback)

	_, err = Getenv(GetenvString, "PRIMER_TEST_UNSET", true, "")
	assert.Error(t, err)
}

func TestMustGetenvPanicsOnMissingRequired(t *testing.T) {
	assert.Panics(t, func() {
		MustGetenv(GetenvString, "PRIMER_TEST_UNSET", true, "")
	})
	assert.Equal(t, "x", MustGetenv(GetenvString, "PRIMER_TEST_UNSET", false, "x"))
}
