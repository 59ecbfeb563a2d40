// Package archive stores immutable snapshots of approved and baselined
// governance documents outside the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"stageline/internal/domain"
)

const (
	DriverNone = "none"
	DriverFS   = "fs"
	DriverS3   = "s3"
)

// Archiver persists a frozen document and returns the key it was stored under.
type Archiver interface {
	Put(ctx context.Context, doc domain.Document) (string, error)
}

// Key is the storage key of a document snapshot:
// <project>/<kind>[/<stage>]/v<version>-<id>.json
func Key(doc domain.Document) string {
	parts := []string{doc.ProjectID, doc.Kind}
	if doc.StageID != nil && *doc.StageID != "" {
		parts = append(parts, *doc.StageID)
	}
	parts = append(parts, fmt.Sprintf("v%d-%s.json", doc.Version, doc.ID))
	return path.Join(parts...)
}

func encode(doc domain.Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Put(_ context.Context, doc domain.Document) (string, error) {
	return Key(doc), nil
}

// FS writes snapshots below Root. Existing snapshots are never overwritten.
type FS struct {
	Root string
}

func (f FS) Put(_ context.Context, doc domain.Document) (string, error) {
	key := Key(doc)
	target := filepath.Join(f.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	data, err := encode(doc)
	if err != nil {
		return "", err
	}
	fh, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return key, nil
		}
		return "", err
	}
	defer fh.Close()
	if _, err := fh.Write(data); err != nil {
		return "", err
	}
	return key, nil
}

// Options selects and configures an archive driver.
type Options struct {
	Driver    string
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// Open builds the archiver named by opts.Driver.
func Open(ctx context.Context, opts Options) (Archiver, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverNone:
		return Nop{}, nil
	case DriverFS:
		if opts.Dir == "" {
			return nil, fmt.Errorf("archive dir required for fs driver")
		}
		return FS{Root: opts.Dir}, nil
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    opts.Bucket,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			Prefix:    opts.Prefix,
			PathStyle: opts.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive driver %q", opts.Driver)
	}
}
