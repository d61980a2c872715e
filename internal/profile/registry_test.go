package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.CapabilityProfile{Type: "explore", Operations: []string{"read"}}))

	p, err := r.Lookup("explore")
	require.NoError(t, err)
	assert.Equal(t, "explore", p.Type)
	assert.True(t, p.Permits("read"))
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(models.CapabilityProfile{Type: "explore"}))

	err := r.Register(models.CapabilityProfile{Type: "explore"})
	assert.ErrorIs(t, err, models.ErrDuplicateProfile)
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, models.ErrUnknownProfile)
}

func TestRegistry_RequiresType(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(models.CapabilityProfile{Type: "  "}))
}

func TestRegistry_Freeze(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(models.CapabilityProfile{Type: "a"})
	r.Freeze()

	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Register(models.CapabilityProfile{Type: "b"}), models.ErrRegistryFrozen)

	_, err := r.Lookup("a")
	assert.NoError(t, err)
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(models.CapabilityProfile{Type: "a", Operations: []string{"read"}})

	p, _ := r.Lookup("a")
	p.Operations[0] = "delete"

	again, _ := r.Lookup("a")
	assert.Equal(t, []string{"read"}, again.Operations)
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.MustRegister(models.CapabilityProfile{Type: fmt.Sprintf("p%d", i)})
	}
	r.Freeze()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := r.Lookup(fmt.Sprintf("p%d", i%10))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(models.CapabilityProfile{Type: "zeta"})
	r.MustRegister(models.CapabilityProfile{Type: "alpha"})

	assert.Equal(t, []string{"alpha", "zeta"}, r.Types())
	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Type)
}

func TestDefaults_ExploreIsReadOnly(t *testing.T) {
	r, err := NewDefaultRegistry("")
	require.NoError(t, err)

	explore, err := r.Lookup("explore")
	require.NoError(t, err)
	assert.True(t, explore.Permits("read"))
	assert.False(t, explore.Permits("delete"))
	assert.False(t, explore.Permits("write"))

	edit, err := r.Lookup("edit")
	require.NoError(t, err)
	assert.True(t, edit.Permits("delete"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	data := `
profiles:
  - type: explore-A
    description: first explorer
    operations: [read, glob]
    template: "A: {{instruction}}"
  - type: explore-B
    operations: [read]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	r, err := NewDefaultRegistry(path)
	require.NoError(t, err)

	a, err := r.Lookup("explore-A")
	require.NoError(t, err)
	assert.Equal(t, "A: look", a.Render("look"))
	assert.Equal(t, []string{"glob", "read"}, a.Operations)

	_, err = r.Lookup("explore-B")
	assert.NoError(t, err)
}

func TestLoadFile_DuplicateOfDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - type: explore\n"), 0644))

	_, err := NewDefaultRegistry(path)
	assert.ErrorIs(t, err, models.ErrDuplicateProfile)
}

func TestParse_MissingType(t *testing.T) {
	_, err := Parse([]byte("profiles:\n  - operations: [read]\n"))
	assert.Error(t, err)
}
