package plan

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoader_MissingDirsAreFine(t *testing.T) {
	l, err := NewLoader("/nonexistent/dist", "/nonexistent/user", testLogger())
	require.NoError(t, err)
	assert.Empty(t, l.Plans())
}

func TestLoader_LoadsAndSorts(t *testing.T) {
	dist := t.TempDir()
	writePlan(t, dist, "zmap.yml", "name: zmap\nimage: zmap/zmap\n")
	writePlan(t, dist, "amass.yml", "name: amass\nimage: owasp/amass\n")

	l, err := NewLoader(dist, "", testLogger())
	require.NoError(t, err)

	plans := l.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, "amass", plans[0].Name)
	assert.Equal(t, "zmap", plans[1].Name)
}

func TestLoader_UserShadowsDist(t *testing.T) {
	dist := t.TempDir()
	user := t.TempDir()
	writePlan(t, dist, "nginx.yml", "name: nginx\nimage: nginx\nversion: \"1.0\"\n")
	writePlan(t, user, "nginx.yml", "name: nginx\nimage: nginx\nversion: \"2.0\"\n")

	l, err := NewLoader(dist, user, testLogger())
	require.NoError(t, err)

	p, err := l.Get("nginx")
	require.NoError(t, err)
	assert.Equal(t, "2.0", p.Version)
	assert.Equal(t, filepath.Join(user, "nginx.yml"), p.Path)
}

func TestLoader_NameFallsBackToFilename(t *testing.T) {
	dist := t.TempDir()
	writePlan(t, dist, "sshd.yml", "image: linuxserver/openssh-server\n")

	l, err := NewLoader(dist, "", testLogger())
	require.NoError(t, err)

	p, err := l.Get("sshd")
	require.NoError(t, err)
	assert.True(t, p.Valid)
}

func TestLoader_InvalidPlansKeptButNotServed(t *testing.T) {
	dist := t.TempDir()
	writePlan(t, dist, "broken.yml", "name: broken\n") // no image

	l, err := NewLoader(dist, "", testLogger())
	require.NoError(t, err)

	assert.Empty(t, l.Plans())
	require.Len(t, l.AllPlans(), 1)
	assert.False(t, l.AllPlans()[0].Valid)

	_, err = l.Get("broken")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestLoader_SkipsUnparseableFiles(t *testing.T) {
	dist := t.TempDir()
	writePlan(t, dist, "bad.yml", "name: [unclosed\n")
	writePlan(t, dist, "good.yml", "name: good\nimage: g\n")
	writePlan(t, dist, "notes.txt", "not a plan")

	l, err := NewLoader(dist, "", testLogger())
	require.NoError(t, err)
	require.Len(t, l.Plans(), 1)
	assert.Equal(t, "good", l.Plans()[0].Name)
}

func TestLoader_GetUnknown(t *testing.T) {
	l, err := NewLoader(t.TempDir(), "", testLogger())
	require.NoError(t, err)

	_, err = l.Get("nope")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
