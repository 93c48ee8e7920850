package restyutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemOutput writes every request/response dump it receives into its own file
// under a directory, see telemetry.InstrumentResty.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput clears dir and uses it for dumps.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	err := os.RemoveAll(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Write(id string, contents string) {
	name := strings.ReplaceAll(filepath.Base(id), string(filepath.Separator), "_")
	err := os.WriteFile(filepath.Join(o.directory, name), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write message dump", "id", id, "err", err)
	}
}
