package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/groupcast/internal/ir"
)

func TestFromDriver(t *testing.T) {
	v, err := fromDriver([]byte("hello"), ir.TypeString)
	require.NoError(t, err)
	assert.Equal(t, ir.String("hello"), v)

	v, err = fromDriver(int64(1), ir.TypeBool)
	require.NoError(t, err)
	assert.Equal(t, ir.Bool(true), v)

	v, err = fromDriver(nil, ir.TypeInt)
	require.NoError(t, err)
	assert.Equal(t, ir.Null{}, v)
}

func TestFromDriverRejectsInvalidUTF8(t *testing.T) {
	_, err := fromDriver([]byte{0xff}, ir.TypeString)
	assert.ErrorContains(t, err, "invalid UTF-8")

	_, err = fromDriver("\xfe", ir.TypeString)
	assert.ErrorContains(t, err, "invalid UTF-8")
}
