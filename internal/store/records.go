package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecordError reports a record that could not be loaded. Records are never
// auto-repaired; the error names the file so the user can inspect it.
type RecordError struct {
	Path string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("cannot load record %s: %v", e.Path, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ReadYAML decodes the YAML document at path into v.
func ReadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &RecordError{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return &RecordError{Path: path, Err: err}
	}
	return nil
}

// WriteYAML atomically replaces path with the YAML encoding of v.
func WriteYAML(path string, v any) error {
	tmp, err := stage(path, v)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// ListYAML returns the sorted names of .yaml files in dir. A missing dir is empty.
func ListYAML(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// stage writes the encoding of v to a hidden temp file next to path.
func stage(path string, v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return stageBytes(path, data)
}

func stageBytes(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return f.Name(), nil
}

type stagedWrite struct {
	tmp  string
	dest string
}

// Batch stages several record writes and makes them visible together.
// Every document is fully written to a temp file before any destination is
// touched, so a failure while staging leaves all records as they were.
type Batch struct {
	writes []stagedWrite
	done   bool
}

// NewBatch starts an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

// Put stages v to be written at path on Commit.
func (b *Batch) Put(path string, v any) error {
	if b.done {
		return fmt.Errorf("batch already finished")
	}
	tmp, err := stage(path, v)
	if err != nil {
		return err
	}
	b.writes = append(b.writes, stagedWrite{tmp: tmp, dest: path})
	return nil
}

// PutBytes stages raw content to be written at path on Commit.
func (b *Batch) PutBytes(path string, data []byte) error {
	if b.done {
		return fmt.Errorf("batch already finished")
	}
	tmp, err := stageBytes(path, data)
	if err != nil {
		return err
	}
	b.writes = append(b.writes, stagedWrite{tmp: tmp, dest: path})
	return nil
}

// Len returns the number of staged writes.
func (b *Batch) Len() int { return len(b.writes) }

// Commit renames every staged file into place in the order they were staged.
func (b *Batch) Commit() error {
	if b.done {
		return fmt.Errorf("batch already finished")
	}
	b.done = true
	for i, w := range b.writes {
		if err := os.Rename(w.tmp, w.dest); err != nil {
			for _, rest := range b.writes[i:] {
				os.Remove(rest.tmp)
			}
			return fmt.Errorf("failed to commit %s: %w", w.dest, err)
		}
	}
	return nil
}

// Abort discards staged files. It is a no-op after Commit.
func (b *Batch) Abort() {
	if b.done {
		return
	}
	b.done = true
	for _, w := range b.writes {
		os.Remove(w.tmp)
	}
}
