package extractor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/chorus/internal/config"
)

// LocateLogs maps an absolute project path to its session log files under the
// assistant's projects root. A missing directory yields an empty result with
// a warning, not an error.
func (e *Extractor) LocateLogs(projectPath string) []string {
	dir := filepath.Join(e.claudeDir, "projects", config.EncodeProjectPath(projectPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Warn("log directory does not exist", "dir", dir)
			return nil
		}
		e.logger.Warn("cannot read log directory", "dir", dir, "error", err)
		return nil
	}

	var files []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(ent.Name(), ".jsonl") {
			files = append(files, filepath.Join(dir, ent.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// LogDir returns the directory LocateLogs scans for the given project path.
func (e *Extractor) LogDir(projectPath string) string {
	return filepath.Join(e.claudeDir, "projects", config.EncodeProjectPath(projectPath))
}
