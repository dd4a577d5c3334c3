package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates script names taken from a URL path.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments).
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// isSafeScript accepts what the spawner resolves: a bare name, a path
// relative to the kenv without traversal, or a clean absolute path.
func isSafeScript(s string) bool {
	if s == "" || strings.ContainsRune(s, 0) {
		return false
	}
	if filepath.IsAbs(s) {
		return isSafeAbsPath(s)
	}
	for _, part := range strings.Split(filepath.ToSlash(s), "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func isKitURL(s string) bool { return strings.HasPrefix(s, "kit://") }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
