package txn

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/realm/idgen"
)

var tmpSuffix = idgen.NanoID(8)

// writeAtomic writes content to path via a uniquely-named temp file in the
// same directory followed by a rename, so the target is never observed
// partially written. Rename is atomic on the target filesystem.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+tmpSuffix())

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("txn: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("txn: rename: %w", err)
	}
	return nil
}
