package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inner struct {
	City string `db:"city"`
	Zip  string `db:"zip"`
}

type outer struct {
	ID      string `db:"id"`
	Skipped string `db:"-"`
	Plain   string
	inner
	Nested inner `db:"nested"`
}

type exported struct {
	ID string `db:"id"`
	Address
}

type Address struct {
	Line1 string `db:"line1"`
}

func TestStructTagValuesFlattensEmbeddedStructs(t *testing.T) {
	cols := StructTagValues(exported{})
	assert.Equal(t, []string{"id", "line1"}, cols)

	// unexported embedded types are skipped like any unexported field
	cols = StructTagValues(&outer{})
	assert.Equal(t, []string{"id", "nested"}, cols)
}

func TestStructToMapFlattensEmbeddedStructs(t *testing.T) {
	m := StructToMap(&exported{ID: "o1", Address: Address{Line1: "1 Main St"}})
	require.Len(t, m, 2)
	assert.Equal(t, "o1", m["id"])
	assert.Equal(t, "1 Main St", m["line1"])
}

func TestStructTagValuesPanicsOnNonStruct(t *testing.T) {
	assert.Panics(t, func() { StructTagValues(42) })
}

func TestNanoIDAlphabet(t *testing.T) {
	id := NanoID()
	require.Len(t, id, NanoidSize)
	assert.Regexp(t, `^[0-9a-zA-Z]+$`, id)
	assert.Len(t, NanoIDSize(8), 8)
}

func TestNilIfZeroAndDeref(t *testing.T) {
	assert.Nil(t, NilIfZero(""))
	p := NilIfZero("m1")
	require.NotNil(t, p)
	assert.Equal(t, "m1", *p)

	assert.Equal(t, "m1", Deref(p))
	assert.Equal(t, "", Deref[string](nil))
	assert.Equal(t, 0, Deref[int](nil))
}
