package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyUpdate_RejectsEmpty(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	err = e.ApplyUpdate(nil)
	require.Error(t, err)

	text, err := e.Text()
	require.NoError(t, err)
	require.Equal(t, "", text)
}

func TestApplyLocalText_RoundTripsThroughAnotherEngine(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	update, err := a.ApplyLocalText("hello")
	require.NoError(t, err)
	require.NotEmpty(t, update)

	require.NoError(t, b.ApplyUpdate(update))

	textA, err := a.Text()
	require.NoError(t, err)
	textB, err := b.Text()
	require.NoError(t, err)
	require.Equal(t, textA, textB)
	require.Equal(t, "hello", textB)
}

func TestApplyUpdate_IdempotentOnReplay(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	update, err := a.ApplyLocalText("abc")
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(update))
	require.NoError(t, b.ApplyUpdate(update)) // duplicate delivery

	text, err := b.Text()
	require.NoError(t, err)
	require.Equal(t, "abc", text)
}

func TestEncodeStateAsUpdate_LoadsIntoFreshEngine(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	_, err = a.ApplyLocalText("snapshot me")
	require.NoError(t, err)

	full := a.EncodeStateAsUpdate()
	require.NotEmpty(t, full)

	b, err := Load(full)
	require.NoError(t, err)
	text, err := b.Text()
	require.NoError(t, err)
	require.Equal(t, "snapshot me", text)
}

func TestEncodeDiff_UnknownStateVectorYieldsFullDiff(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	_, err = a.ApplyLocalText("x")
	require.NoError(t, err)

	diff, err := a.EncodeDiff([]byte("not a real state vector"))
	require.NoError(t, err)

	changes, err := DecodeDiff(diff)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
}

func TestObserve_FiresOnApply(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	var fired int
	b.Observe(func() { fired++ })

	update, err := a.ApplyLocalText("z")
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(update))

	require.Equal(t, 1, fired)
}
