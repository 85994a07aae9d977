package mqttd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// writePidFile records the process id in path. An empty path is a no-op.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: path=%s: %w", path, err)
	}
	return nil
}

func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
