package skerr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestWrap_AnnotatesWithCallsiteAndUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base)
	require := assert.New(t)
	require.Contains(err.Error(), "skerr_test.go")
	require.Contains(err.Error(), "boom")
	require.True(errors.Is(err, base))
}

func TestWrapf_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}

func TestWrapf_IncludesFormattedMessage(t *testing.T) {
	base := errors.New("boom")
	err := Wrapf(base, "while doing %s", "thing")
	assert.Contains(t, err.Error(), "while doing thing")
	assert.True(t, errors.Is(err, base))
}

func TestFmt_BuildsNewAnnotatedError(t *testing.T) {
	err := Fmt("failed on %s", "widget")
	assert.True(t, strings.Contains(err.Error(), "failed on widget"))
	assert.True(t, strings.Contains(err.Error(), "skerr_test.go"))
}
