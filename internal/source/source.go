// Package source resolves job file paths to their size and content.
// Plain paths are read from below a configured local root; s3://bucket/key
// paths are fetched from S3-compatible object storage.
package source

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrUnreadable wraps every failure to stat or open a path.
var ErrUnreadable = errors.New("source: file is unreadable")

// Info describes a resolved file.
type Info struct {
	Name string
	Size int64
}

// Source resolves paths to file metadata and content.
type Source interface {
	Stat(ctx context.Context, path string) (Info, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

const s3Scheme = "s3://"

// Router sends s3:// paths to the S3 source and everything else to Local.
type Router struct {
	Local Source
	S3    Source
}

// NewRouter returns a router serving local paths from below root. s3 may be
// nil, in which case s3:// paths are unreadable.
func NewRouter(root string, s3 Source) *Router {
	return &Router{Local: Local{Root: root}, S3: s3}
}

func (r *Router) Stat(ctx context.Context, path string) (Info, error) {
	src, err := r.pick(path)
	if err != nil {
		return Info{}, err
	}
	return src.Stat(ctx, path)
}

func (r *Router) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	src, err := r.pick(path)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx, path)
}

func (r *Router) pick(path string) (Source, error) {
	if strings.HasPrefix(path, s3Scheme) {
		if r.S3 == nil {
			return nil, errors.Join(ErrUnreadable, errors.New("s3 storage is not configured"))
		}
		return r.S3, nil
	}
	if r.Local == nil {
		return Local{}, nil
	}
	return r.Local, nil
}
