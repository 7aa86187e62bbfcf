package zones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockfall/internal/types"
)

func TestDefault_OrderAndLookup(t *testing.T) {
	r := Default()
	require.Equal(t, 5, r.Len())

	all := r.All()
	ids := make([]string, 0, len(all))
	for _, z := range all {
		ids = append(ids, z.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids)

	z, err := r.Get("C")
	require.NoError(t, err)
	assert.Equal(t, "Zone C - Central Valley", z.DisplayName)

	byName, ok := r.ByName("Zone E - Southern Peak")
	require.True(t, ok)
	assert.Equal(t, "E", byName.ID)

	_, ok = r.ByName("zone e - southern peak")
	assert.False(t, ok, "name lookup is exact")
}

func TestGet_UnknownIsNotFound(t *testing.T) {
	_, err := Default().Get("Z")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundZone))
}

func TestAll_ReturnsCopy(t *testing.T) {
	r := Default()
	all := r.All()
	all[0].DisplayName = "mutated"

	z, err := r.Get("A")
	require.NoError(t, err)
	assert.Equal(t, "Zone A - Northern Slope", z.DisplayName)
}

func TestLabel(t *testing.T) {
	r := Default()
	assert.Equal(t, "Custom", r.Label("A", "  Custom "))
	assert.Equal(t, "Zone B - Eastern Ridge", r.Label("B", ""))
	assert.Equal(t, types.DefaultZoneLabel, r.Label("", ""))
	assert.Equal(t, types.DefaultZoneLabel, r.Label("Q", ""))
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		zones []Zone
	}{
		{"empty", nil},
		{"too many", []Zone{{"1", "a", ""}, {"2", "b", ""}, {"3", "c", ""}, {"4", "d", ""}, {"5", "e", ""}, {"6", "f", ""}}},
		{"missing id", []Zone{{"", "a", ""}}},
		{"duplicate id", []Zone{{"1", "a", ""}, {"1", "b", ""}}},
		{"duplicate name", []Zone{{"1", "a", ""}, {"2", "a", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.zones)
			assert.Error(t, err)
		})
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	doc := `
zones:
  - id: N1
    name: North Bench 1
    color: "#111111"
  - id: N2
    name: North Bench 2
`
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	z, err := r.Get("N1")
	require.NoError(t, err)
	assert.Equal(t, "North Bench 1", z.DisplayName)
	assert.Equal(t, "#111111", z.Color)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, len(Defaults), r.Len())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("zones: [unterminated"))
	assert.Error(t, err)
}
