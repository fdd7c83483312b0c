// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonaStoreDefaults(t *testing.T) {
	ps := NewPersonaStore("", nil)
	assert.Equal(t, DefaultPersonaName, ps.Active().Name)
	require.Len(t, ps.List(), 1)
	assert.True(t, ps.List()[0].BuiltIn)
}

func TestPersonaStoreCreateSetDelete(t *testing.T) {
	ps := NewPersonaStore("", nil)

	_, err := ps.Create(Persona{Name: "pirate", Language: "en", Description: "arr"})
	require.NoError(t, err)

	_, err = ps.Create(Persona{Name: "Pirate"})
	require.Error(t, err, "names are unique case-insensitively")

	p, err := ps.SetActive("PIRATE")
	require.NoError(t, err)
	assert.Equal(t, "pirate", p.Name)
	assert.Equal(t, "pirate", ps.Active().Name)

	require.NoError(t, ps.Delete("pirate"))
	assert.Equal(t, DefaultPersonaName, ps.Active().Name)
}

func TestPersonaStoreProtectsBuiltin(t *testing.T) {
	ps := NewPersonaStore("", nil)
	require.Error(t, ps.Delete(DefaultPersonaName))
	_, err := ps.SetActive("ghost")
	require.Error(t, err)
}

func TestPersonaStorePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.json")

	ps := NewPersonaStore(path, nil)
	_, err := ps.Create(Persona{Name: "reviewer", Color: "cyan"})
	require.NoError(t, err)
	_, err = ps.SetActive("reviewer")
	require.NoError(t, err)

	reloaded := NewPersonaStore(path, nil)
	assert.Equal(t, "reviewer", reloaded.Active().Name)
	assert.Equal(t, "cyan", reloaded.Active().Color)
	assert.Len(t, reloaded.List(), 2)
}

func TestPersonaStoreIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	ps := NewPersonaStore(path, nil)
	assert.Equal(t, DefaultPersonaName, ps.Active().Name)
}
