package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactName is the download file name for a finished job,
// e.g. "generated_video_abc.mp4".
func ArtifactName(mode, jobID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return fmt.Sprintf("generated_%s_%s", mode, jobID)
	}
	return fmt.Sprintf("generated_%s_%s.%s", mode, jobID, ext)
}

// ResolveOutput picks where a download is written. An empty out uses name in
// the working directory; an existing directory (or a path ending in a
// separator) receives name; any other path gets ext when it has none.
func ResolveOutput(out, name, ext string) string {
	if out == "" {
		return name
	}
	if strings.HasSuffix(out, string(filepath.Separator)) || strings.HasSuffix(out, "/") {
		return filepath.Join(out, name)
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, name)
	}
	if filepath.Ext(out) == "" && ext != "" {
		return ReplaceExt(out, ext)
	}
	return out
}

func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	lastDot := strings.LastIndex(filename, ".")
	if lastDot <= 0 {
		return filepath.Join(dir, filename+ext)
	}

	return filepath.Join(dir, filename[:lastDot]+ext)
}
