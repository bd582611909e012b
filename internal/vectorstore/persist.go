package vectorstore

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"

	"newsvault/internal/apperr"
)

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

// persist writes index.bin, sidecar.json and meta.json via write-to-temp +
// rename within the same directory, per §6.2's atomic-update requirement.
func (idx *Index) persist() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to create index directory", err)
	}

	if err := atomicWriteGob(filepath.Join(idx.dir, "index.bin"), idx.records); err != nil {
		return err
	}
	if err := atomicWriteJSON(filepath.Join(idx.dir, "sidecar.json"), idx.sidecar); err != nil {
		return err
	}
	if err := atomicWriteJSON(filepath.Join(idx.dir, "meta.json"), idx.meta); err != nil {
		return err
	}

	idx.dirty = false
	return nil
}

func atomicWriteJSON(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to create temp file", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to encode json", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to fsync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to close temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to rename temp file", err)
	}
	return nil
}

func atomicWriteGob(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to create temp file", err)
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to encode gob", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to fsync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "failed to close temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to rename temp file", err)
	}
	return nil
}
