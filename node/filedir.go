package node

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirFileDir implements FileDir over a plain directory, the
// "content/<node_id>/" persisted state spec §6 describes. No encoding is
// applied in either direction — DESIGN.md's Open Question #3 keeps Base64
// (or any other transform) out of the transport and out of this layer too;
// bytes pass through exactly as RTP delivered them.
type DirFileDir struct {
	Dir string
}

// NewDirFileDir ensures dir exists and returns a FileDir rooted there.
func NewDirFileDir(dir string) (*DirFileDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content directory: %w", err)
	}
	return &DirFileDir{Dir: dir}, nil
}

func (d *DirFileDir) Read(name string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.Base(name)))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (d *DirFileDir) Write(name string, content []byte) error {
	return os.WriteFile(filepath.Join(d.Dir, filepath.Base(name)), content, 0o644)
}

var _ FileDir = (*DirFileDir)(nil)
