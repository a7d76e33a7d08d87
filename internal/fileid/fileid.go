// Package fileid derives image ids and stable keys from feature file paths.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const prefix = "file:"

// FileKey returns a stable key for the given path.
// Same path always yields the same key. Used to skip files already processed.
func FileKey(path string) string {
	normalized := filepath.Clean(path)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// ImageID parses the image id from the last run of digits in the file name,
// ignoring the extension: "000123.json" and "frame_0042.json" give 123 and 42.
func ImageID(path string) (uint32, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	end := len(name)
	for end > 0 && !isDigit(name[end-1]) {
		end--
	}
	start := end
	for start > 0 && isDigit(name[start-1]) {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("no image id in file name %q", base)
	}
	id, err := strconv.ParseUint(name[start:end], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid image id in file name %q: %w", base, err)
	}
	return uint32(id), nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
