package setting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(New("int", 0, 10)))

	err := reg.Register(New("int", 1, 0))
	require.ErrorContains(t, err, "duplicate setting name")

	err = reg.Register(New("other", 0, 0))
	require.ErrorContains(t, err, "reuses id 0x0000")

	require.Error(t, reg.Register(nil))
	require.Error(t, reg.Register(New("", 7, 0)))
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	text := New("string", 4, "123")
	flag := New("bool", 3, true)
	require.NoError(t, reg.Register(text))
	require.NoError(t, reg.Register(flag))

	got, err := Lookup[string](reg, "string")
	require.NoError(t, err)
	require.Same(t, text, got)

	_, err = Lookup[int](reg, "string")
	require.ErrorContains(t, err, "holds string, not int")

	_, err = Lookup[int](reg, "missing")
	require.ErrorIs(t, err, ErrUnknownSetting)

	byID, err := reg.ByID(3)
	require.NoError(t, err)
	require.Equal(t, "bool", byID.Name())

	_, err = reg.ByID(99)
	require.ErrorIs(t, err, ErrUnknownSetting)

	require.Equal(t, []string{"bool", "string"}, reg.Names())
	all := reg.All()
	require.Len(t, all, 2)
	require.Equal(t, "string", all[0].Name())
}
