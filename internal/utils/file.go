package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// approvedExtensions are the aerial image formats the pipeline accepts.
var approvedExtensions = []string{"jpg", "jpeg", "png", "tif", "tiff"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsApprovedImage checks if a file has one of the approved aerial image
// extensions
func IsApprovedImage(filename string) bool {
	ext := GetFileExtension(filename)
	for _, approved := range approvedExtensions {
		if ext == approved {
			return true
		}
	}
	return false
}

// ApprovedExtensions returns the accepted extensions, without dots.
func ApprovedExtensions() []string {
	out := make([]string, len(approvedExtensions))
	copy(out, approvedExtensions)
	return out
}

// BaseName returns the filename without directory or extension
func BaseName(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AnnotatedImageName builds the output name for an annotated copy of an
// input image, preserving its base name and extension
func AnnotatedImageName(inputName string) string {
	base := BaseName(inputName)
	ext := GetFileExtension(inputName)
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s_results.%s", base, ext)
}

// ListImageFiles lists all approved image files directly in a directory,
// sorted by name
func ListImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if IsApprovedImage(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return info != nil && !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if os.IsNotExist(err) {
		return false
	}
	return info != nil && info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	// Replace invalid characters with underscores
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Remove leading/trailing spaces and dots
	result = strings.Trim(result, " .")

	return result
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
