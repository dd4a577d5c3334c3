// Package marker reads lightweight in-file configuration lines such as
// "Background: auto" or "Schedule: */5 * * * *" from script sources.
// Detection is a first-match substring search, not a parser.
package marker

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Known markers.
const (
	Background = "Background: "
	Schedule   = "Schedule: "
	Watch      = "Watch: "
)

// Find returns the text following the first occurrence of key in src,
// trimmed, up to the end of that line.
func Find(src []byte, key string) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, key); i >= 0 {
			return strings.TrimSpace(line[i+len(key):]), true
		}
	}
	return "", false
}

// Read loads path and returns the value of the first key marker.
// A missing file is reported as an error; a file without the marker is not.
func Read(path, key string) (string, bool, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", false, fmt.Errorf("read marker %q: %w", strings.TrimSpace(key), err)
	}
	v, ok := Find(b, key)
	return v, ok, nil
}
