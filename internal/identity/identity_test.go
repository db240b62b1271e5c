package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danilashk/noter/internal/model"
)

func TestFileProvider_StableAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")

	first, err := NewFileProvider(path).Fingerprint()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, "fp_"))

	// A fresh provider over the same file resolves the same identity.
	second, err := NewFileProvider(path).Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileProvider_CachesAfterFirstRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")
	p := NewFileProvider(path)

	first, err := p.Fingerprint()
	require.NoError(t, err)

	again, err := p.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestFileProvider_DistinctPathsDistinctIdentities(t *testing.T) {
	dir := t.TempDir()

	a, err := NewFileProvider(filepath.Join(dir, "a")).Fingerprint()
	require.NoError(t, err)
	b, err := NewFileProvider(filepath.Join(dir, "b")).Fingerprint()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestStaticProvider(t *testing.T) {
	fp, err := StaticProvider("fp_fixed").Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, "fp_fixed", fp)

	_, err = StaticProvider("").Fingerprint()
	assert.Error(t, err)
}

func TestAssignColor_BijectiveOverPalette(t *testing.T) {
	var used []string
	for i := 0; i < model.MaxParticipants; i++ {
		color, err := AssignColor(used)
		require.NoError(t, err)
		assert.NotContains(t, used, color, "no two participants share a color")
		used = append(used, color)
	}

	_, err := AssignColor(used)
	assert.ErrorIs(t, err, model.ErrSessionFull)
}

func TestAssignColor_ReusesFreedColor(t *testing.T) {
	used := append([]string(nil), model.ParticipantColors...)

	// The third participant leaves; the next joiner takes that slot.
	freed := used[2]
	used = append(used[:2], used[3:]...)

	color, err := AssignColor(used)
	require.NoError(t, err)
	assert.Equal(t, freed, color)
}
