package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	contentExt  = ".ctx.zst"
	metadataExt = ".meta.json"
)

// FileStore keeps each archive as two files under dir/<scope>/: the zstd
// encoded content and a JSON metadata record.
type FileStore struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewFileStore(dir string) (*FileStore, error) {
	for _, sc := range Scopes {
		if err := os.MkdirAll(filepath.Join(dir, string(sc)), 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &FileStore{dir: dir, enc: enc, dec: dec}, nil
}

func (s *FileStore) path(scope Scope, id, ext string) string {
	return filepath.Join(s.dir, string(scope), id+ext)
}

func (s *FileStore) Put(ctx context.Context, meta Metadata, content string) error {
	if !validID(meta.ID) {
		return opErr("put", meta.Scope, meta.ID, ErrInvalidID)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return opErr("put", meta.Scope, meta.ID, fmt.Errorf("encode metadata: %w", err))
	}
	// Content first: a metadata file only exists next to its content.
	if err := writeAtomic(s.path(meta.Scope, meta.ID, contentExt), s.enc.EncodeAll([]byte(content), nil)); err != nil {
		return opErr("put", meta.Scope, meta.ID, err)
	}
	if err := writeAtomic(s.path(meta.Scope, meta.ID, metadataExt), raw); err != nil {
		return opErr("put", meta.Scope, meta.ID, err)
	}
	return nil
}

func (s *FileStore) Metadata(ctx context.Context, scope Scope, id string) (Metadata, error) {
	if !validID(id) {
		return Metadata{}, opErr("metadata", scope, id, ErrInvalidID)
	}
	raw, err := os.ReadFile(s.path(scope, id, metadataExt))
	if err != nil {
		return Metadata{}, opErr("metadata", scope, id, notFound(err))
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, opErr("metadata", scope, id, fmt.Errorf("decode metadata: %w", err))
	}
	return meta, nil
}

func (s *FileStore) Content(ctx context.Context, scope Scope, id string) (string, error) {
	if !validID(id) {
		return "", opErr("content", scope, id, ErrInvalidID)
	}
	raw, err := os.ReadFile(s.path(scope, id, contentExt))
	if err != nil {
		return "", opErr("content", scope, id, notFound(err))
	}
	out, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return "", opErr("content", scope, id, fmt.Errorf("zstd decode: %w", err))
	}
	return string(out), nil
}

func (s *FileStore) Delete(ctx context.Context, scope Scope, id string) (int64, error) {
	if !validID(id) {
		return 0, opErr("delete", scope, id, ErrInvalidID)
	}
	var freed int64
	found := false
	for _, ext := range []string{metadataExt, contentExt} {
		p := s.path(scope, id, ext)
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return freed, opErr("delete", scope, id, err)
		}
		if err := os.Remove(p); err != nil {
			return freed, opErr("delete", scope, id, err)
		}
		found = true
		freed += info.Size()
	}
	if !found {
		return 0, opErr("delete", scope, id, ErrNotFound)
	}
	return freed, nil
}

func (s *FileStore) List(ctx context.Context, scope Scope) ([]Metadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, string(scope)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s archives: %w", scope, err)
	}
	var (
		out  []Metadata
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metadataExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		meta, err := s.Metadata(ctx, scope, strings.TrimSuffix(name, metadataExt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, meta)
	}
	return out, errors.Join(errs...)
}

func (s *FileStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
