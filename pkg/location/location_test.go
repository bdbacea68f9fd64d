package location_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/location"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
)

func TestResolve(t *testing.T) {
	cache := runtimetest.Program(t)

	loc, err := location.Resolve(cache, runtimetest.ReturnPC+2)
	require.NoError(t, err)
	assert.Equal(t, runtimetest.File, loc.File)
	assert.Equal(t, runtimetest.ReturnLine, loc.Line)
	require.NotNil(t, loc.Fn)
	assert.Equal(t, "f", loc.Fn.Name)
	assert.Equal(t, "/work/src/main.c:13 (0x1016) f", loc.String())

	_, err = location.Resolve(cache, 0x9000)
	assert.True(t, errs.IsNotFound(err))
}

func TestUnknown(t *testing.T) {
	loc := location.Unknown(0x10)
	assert.Equal(t, "?:-1 (0x10)", loc.String())
	assert.Nil(t, loc.Fn)
}
