// Package gobs saves and loads values using the gob encoding.
// gob is used for serialization of Go data structures.
package gobs

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Save encodes v to filePath, creating parent directories as needed.
func Save(filePath string, v any) error {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filePath)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to encode %s", filePath)
	}
	return file.Close()
}

// Load decodes a value of type T from filePath.
func Load[T any](filePath string) (*T, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", filePath)
	}
	defer file.Close()

	v := new(T)
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", filePath)
	}
	return v, nil
}
