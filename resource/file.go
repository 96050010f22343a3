package resource

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile is a Resource stored as a single file on disk. Saves go through a
// temporary file in the same directory followed by a rename, so a concurrent
// reader never observes a partially written document.
type JSONFile struct {
	path  string
	codec Codec
}

// FileOption configures a JSONFile.
type FileOption func(*JSONFile)

// WithFileCodec overrides the codec used to encode the file contents.
func WithFileCodec(c Codec) FileOption {
	return func(f *JSONFile) {
		f.codec = c
	}
}

// NewJSONFile returns a file-backed Resource at the given path.
func NewJSONFile(path string, opts ...FileOption) *JSONFile {
	f := &JSONFile{path: path, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID implements Resource.ID. The file path identifies the resource.
func (f *JSONFile) ID() string { return f.path }

// Load implements Resource.Load.
func (f *JSONFile) Load(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := f.codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Save implements Resource.Save.
func (f *JSONFile) Save(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := f.codec.Marshal(v)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Fingerprint implements Fingerprinted using size and modification time from
// the file system.
func (f *JSONFile) Fingerprint() (Fingerprint, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Fingerprint{}, nil
	}
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Exists:      true,
		Size:        info.Size(),
		ModTimeNano: info.ModTime().UnixNano(),
	}, nil
}
