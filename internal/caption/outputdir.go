package caption

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeProbeName is created and removed to prove an output folder is
// writable.
const writeProbeName = ".write_test"

// OutputDirReason classifies why a folder cannot receive captions.
type OutputDirReason string

const (
	OutputDirMissingPath OutputDirReason = "missing_path"
	OutputDirNotFound    OutputDirReason = "not_found"
	OutputDirNotFolder   OutputDirReason = "not_folder"
	OutputDirNotWritable OutputDirReason = "not_writable"
)

// OutputDirError explains an unusable output folder in user terms.
type OutputDirError struct {
	Reason OutputDirReason
	Path   string
	Err    error
}

func (e *OutputDirError) Error() string {
	switch e.Reason {
	case OutputDirMissingPath:
		return "Please specify an output folder path."
	case OutputDirNotFound:
		return fmt.Sprintf("Output folder does not exist: %s", e.Path)
	case OutputDirNotFolder:
		return fmt.Sprintf("Output path is not a folder: %s", e.Path)
	default:
		return fmt.Sprintf("Cannot write to output folder: %s. Error: %v", e.Path, e.Err)
	}
}

func (e *OutputDirError) Unwrap() error {
	return e.Err
}

// FS is the filesystem surface used to validate folders and write captions.
type FS struct {
	Stat      func(name string) (os.FileInfo, error)
	WriteFile func(name string, data []byte, perm os.FileMode) error
	Remove    func(name string) error
	// WriteAtomic replaces dir/name with content.
	WriteAtomic func(dir, name, content string) error
}

// OSFS is the real filesystem.
var OSFS = FS{
	Stat:        os.Stat,
	WriteFile:   os.WriteFile,
	Remove:      os.Remove,
	WriteAtomic: writeFileAtomic,
}

// CheckOutputDir verifies that dir is set, exists, is a folder and accepts
// new files. It never creates the folder.
func (fs FS) CheckOutputDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return &OutputDirError{Reason: OutputDirMissingPath}
	}

	info, err := fs.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &OutputDirError{Reason: OutputDirNotFound, Path: dir, Err: err}
	}
	if err != nil {
		return &OutputDirError{Reason: OutputDirNotWritable, Path: dir, Err: err}
	}
	if !info.IsDir() {
		return &OutputDirError{Reason: OutputDirNotFolder, Path: dir}
	}

	probe := filepath.Join(dir, writeProbeName)
	if err := fs.WriteFile(probe, nil, 0o644); err != nil {
		return &OutputDirError{Reason: OutputDirNotWritable, Path: dir, Err: err}
	}
	if err := fs.Remove(probe); err != nil {
		return &OutputDirError{Reason: OutputDirNotWritable, Path: dir, Err: err}
	}
	return nil
}

// CheckOutputDir validates dir on the real filesystem.
func CheckOutputDir(dir string) error {
	return OSFS.CheckOutputDir(dir)
}
