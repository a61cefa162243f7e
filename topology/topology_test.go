package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTopo(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesRows(t *testing.T) {
	path := writeTopo(t, "1 127.0.0.1 9001 2 3 1024\n2 127.0.0.1 9002 1 3 1024\n3 127.0.0.1 9003 1 2 1024\n")

	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	row, err := Lookup(rows, 1)
	require.NoError(t, err)
	require.Equal(t, Row{NodeID: 1, IP: "127.0.0.1", Port: 9001, Neighbor1: 2, Neighbor2: 3, MTU: 1024}, row)
}

func TestLoadSkipsBlankLines(t *testing.T) {
	path := writeTopo(t, "\n1 127.0.0.1 9001 2 3 1024\n\n")
	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestLoadRejectsShortLine(t *testing.T) {
	path := writeTopo(t, "1 127.0.0.1 9001 2 3\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLookupMissingNode(t *testing.T) {
	path := writeTopo(t, "1 127.0.0.1 9001 2 3 1024\n2 127.0.0.1 9002 1 3 1024\n3 127.0.0.1 9003 1 2 1024\n")
	rows, err := Load(path)
	require.NoError(t, err)

	_, err = Lookup(rows, 99)
	require.Error(t, err)
}
