package filerecall

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// allowedExtensions is the upload allow-list from spec.md §4.3, compared
// case-insensitively against the caller-supplied filename's extension.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".pptx": true,
	".txt":  true,
	".md":   true,
	".html": true,
	".json": true,
	".tex":  true,
}

func extensionOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

func validateExtension(filename string) error {
	ext := extensionOf(filename)
	if !allowedExtensions[ext] {
		return fmt.Errorf("filerecall: %q has an unsupported extension", filename)
	}
	return nil
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// storedFilename is the on-disk and upstream-visible name for content
// hashing to sha256Hex(content): the first 16 hex characters of the hash
// plus the validated extension. Identity is the hash, not the caller's
// display name — two tenants uploading the same file get the same name
// relative to their own tenant directory, two different files never
// collide short of a sha256 collision.
func storedFilename(sha256Hex, ext string) string {
	return sha256Hex[:16] + ext
}

// hostDocumentDir is the per-tenant document storage root.
func hostDocumentDir(root, tenantID string) string {
	return filepath.Join(root, tenantID)
}
