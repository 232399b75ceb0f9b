package helper

import (
	"os"
	"path/filepath"
)

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check ./{filename} and ./configs/{filename}
// 3. Otherwise, fallback to /etc/relay/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}

	if filepath.IsAbs(filename) {
		return filename
	}

	if local := findInCurrentDir(filename); local != "" {
		return local
	}

	// fallback
	return filepath.Join("/etc/relay", filename)
}

// GetPIDPath returns the path to the PID file, falling back to /var/run
// when the requested location's parent directory does not exist.
func GetPIDPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if filename != "" {
		if abs, err := filepath.Abs(filename); err == nil {
			if _, err := os.Stat(filepath.Dir(abs)); err == nil {
				return abs
			}
		}
	}
	return "/var/run/relay.pid"
}

func findInCurrentDir(filename string) string {
	currentDir, err := os.Getwd()
	if err != nil || currentDir == "" {
		return ""
	}

	for _, candidate := range []string{
		filepath.Join(currentDir, filename),
		filepath.Join(currentDir, "configs", filename),
	} {
		if _, err := os.Stat(candidate); err == nil {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs
			}
		}
	}
	return ""
}
