package capi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bcg/rubinius/internal/capi"
)

func TestAllocateGetRelease(t *testing.T) {
	h := capi.NewHandles()

	r := h.Allocate("obj")
	got, ok := h.Get(r)
	require.True(t, ok)
	require.Equal(t, "obj", got)
	require.Equal(t, 1, h.Len())

	h.Release(r)
	_, ok = h.Get(r)
	require.False(t, ok)
	require.Equal(t, 0, h.Len())
}

func TestFreedSlotsAreRecycled(t *testing.T) {
	h := capi.NewHandles()
	a := h.Allocate("a")
	b := h.Allocate("b")
	h.Release(a)

	c := h.Allocate("c")
	require.Equal(t, a, c)

	got, ok := h.Get(b)
	require.True(t, ok)
	require.Equal(t, "b", got)
}

func TestSetUpdatesLiveHandle(t *testing.T) {
	h := capi.NewHandles()
	r := h.Allocate("before")
	require.True(t, h.Set(r, "after"))

	got, _ := h.Get(r)
	require.Equal(t, "after", got)

	h.Release(r)
	require.False(t, h.Set(r, "zombie"))
}

func TestReleaseInvalidHandlePanics(t *testing.T) {
	h := capi.NewHandles()
	require.Panics(t, func() {
		h.Release(capi.InvalidRef)
	})
	r := h.Allocate("obj")
	h.Release(r)
	require.Panics(t, func() {
		h.Release(r)
	})
}

func TestEachVisitsLiveHandles(t *testing.T) {
	h := capi.NewHandles()
	a := h.Allocate("a")
	h.Allocate("b")
	h.Release(a)

	seen := map[capi.Ref]any{}
	h.Each(func(r capi.Ref, obj any) {
		seen[r] = obj
	})
	require.Len(t, seen, 1)
	require.Equal(t, "b", seen[capi.Ref(1)])
}
