package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"

	"gallery/internal/domain"
)

// allowed extension -> content type the sniffer must report
var uploadTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

type UploadValidator struct {
	MaxBytes int64
	MaxFiles int
}

func NewUploadValidator(maxBytes int64, maxFiles int) *UploadValidator {
	return &UploadValidator{MaxBytes: maxBytes, MaxFiles: maxFiles}
}

// ValidateBatch checks every file and fails on the first bad one; the caller
// rejects the whole batch.
func (v *UploadValidator) ValidateBatch(files []domain.UploadFile) error {
	if len(files) == 0 {
		return domain.Validation("no files uploaded", map[string]string{"files": "at least one file is required"})
	}
	if v.MaxFiles > 0 && len(files) > v.MaxFiles {
		return domain.Validation("too many files", map[string]string{
			"files": fmt.Sprintf("at most %d files per upload", v.MaxFiles),
		})
	}
	for i, f := range files {
		if err := v.Validate(f); err != nil {
			if de, ok := err.(*domain.Error); ok && de.Fields == nil {
				de.Fields = map[string]string{fmt.Sprintf("files[%d]", i): de.Msg}
			}
			return err
		}
	}
	return nil
}

func (v *UploadValidator) Validate(f domain.UploadFile) error {
	if !SafeFileName(f.Name) {
		return domain.Validation(fmt.Sprintf("unsafe file name %q", f.Name), nil)
	}
	if len(f.Data) == 0 {
		return domain.Validation(fmt.Sprintf("%s is empty", f.Name), nil)
	}
	if v.MaxBytes > 0 && int64(len(f.Data)) > v.MaxBytes {
		return domain.Validation(fmt.Sprintf("%s exceeds %d bytes", f.Name, v.MaxBytes), nil)
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	want, ok := uploadTypes[ext]
	if !ok {
		return domain.Validation(fmt.Sprintf("%s: extension %q not allowed", f.Name, ext), nil)
	}
	if got := mimetype.Detect(f.Data); !got.Is(want) {
		return domain.Validation(fmt.Sprintf("%s: content is %s, expected %s", f.Name, got.String(), want), nil)
	}
	return nil
}

// SafeFileName rejects anything that could escape the place directory or
// confuse the filesystem: separators, dot segments, control characters.
func SafeFileName(name string) bool {
	if name == "" || len(name) > 255 || name == "." || name == ".." {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\:`) {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return false
		}
	}
	return filepath.Base(name) == name
}

// storedExt is the normalized extension used for the stored copy.
func storedExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".jpeg" {
		return ".jpg"
	}
	return ext
}
