package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrder(t *testing.T) {
	e := New()
	e.env = Var{"A": "os", "B": "os"}
	e = e.WithSet("B", "host").WithSet("C", "${A}-x")
	out := e.Merge([]string{"A=proc"})

	v, _ := Lookup(out, "A")
	assert.Equal(t, "proc", v)
	v, _ = Lookup(out, "B")
	assert.Equal(t, "host", v)
	v, _ = Lookup(out, "C")
	assert.Equal(t, "proc-x", v)
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	base := New().WithSet("K", "1")
	_ = base.WithSet("K", "2")
	assert.Equal(t, "1", base.Var["K"])
}

func TestLoadDotenv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("TOKEN=abc\n# comment\nQUOTED=\"a b\"\n"), 0o600))
	e := New()
	e.env = Var{}
	require.NoError(t, e.LoadDotenv(p))
	out := e.Merge(nil)
	v, ok := Lookup(out, "TOKEN")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
	v, _ = Lookup(out, "QUOTED")
	assert.Equal(t, "a b", v)
}

func TestLoadDotenvMissingFile(t *testing.T) {
	e := New()
	assert.NoError(t, e.LoadDotenv(filepath.Join(t.TempDir(), "nope.env")))
	assert.NoError(t, e.LoadDotenv(""))
}

func TestJoinPath(t *testing.T) {
	sep := string(os.PathListSeparator)
	assert.Equal(t, "/a"+sep+"/b"+sep+"/usr/bin", JoinPath("/usr/bin", "/a", "", "/b"))
	assert.Equal(t, "/a", JoinPath("", "/a"))
}
