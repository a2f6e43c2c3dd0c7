// Package filestore persists small structs (route tables, local records)
// as deterministic CBOR files, written atomically.
package filestore

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("filestore: cbor encoder: " + err.Error())
	}
}

// Load decodes the file at path into v. It reports false, with a nil
// error, when the file does not exist.
func Load(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", path)
	}
	return true, nil
}

// Save encodes v and replaces the file at path, creating parent
// directories as needed.
func Save(path string, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

// Remove deletes the file at path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
