package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/wailsapp/mimetype"
)

const (
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
	FormatTar    = "tar"
	FormatZip    = "zip"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
	kindHardlink
	kindOther
)

type entry struct {
	name     string
	kind     entryKind
	linkname string
	size     int64
	mode     fs.FileMode
	open     func() (io.ReadCloser, error)
}

// entryReader yields archive entries in stored order; io.EOF ends iteration.
type entryReader interface {
	next() (entry, error)
	close() error
}

// detectFormat identifies the container from its leading bytes.
func detectFormat(data []byte) (string, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		return FormatTarZst, nil
	}
	for mtype := mimetype.Detect(data); mtype != nil; mtype = mtype.Parent() {
		switch {
		case mtype.Is("application/gzip"):
			return FormatTarGz, nil
		case mtype.Is("application/zip"):
			return FormatZip, nil
		case mtype.Is("application/x-tar"):
			return FormatTar, nil
		}
	}
	return "", fmt.Errorf("unsupported archive type %s", mimetype.Detect(data).String())
}

func openEntries(format string, data []byte) (entryReader, error) {
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return &tarEntries{tr: tar.NewReader(gz), closer: gz.Close}, nil
	case FormatTarZst:
		dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return &tarEntries{tr: tar.NewReader(dec), closer: func() error {
			dec.Close()
			return nil
		}}, nil
	case FormatTar:
		return &tarEntries{tr: tar.NewReader(bytes.NewReader(data))}, nil
	case FormatZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to open zip: %w", err)
		}
		return &zipEntries{files: zr.File}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

type tarEntries struct {
	tr     *tar.Reader
	closer func() error
}

func (t *tarEntries) next() (entry, error) {
	hdr, err := t.tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return entry{}, io.EOF
		}
		return entry{}, fmt.Errorf("failed to read tar header: %w", err)
	}
	e := entry{
		name:     hdr.Name,
		linkname: hdr.Linkname,
		size:     hdr.Size,
		mode:     hdr.FileInfo().Mode(),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(t.tr), nil
		},
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		e.kind = kindFile
	case tar.TypeDir:
		e.kind = kindDir
	case tar.TypeSymlink:
		e.kind = kindSymlink
	case tar.TypeLink:
		e.kind = kindHardlink
	default:
		e.kind = kindOther
	}
	return e, nil
}

func (t *tarEntries) close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

type zipEntries struct {
	files []*zip.File
	pos   int
}

func (z *zipEntries) next() (entry, error) {
	if z.pos >= len(z.files) {
		return entry{}, io.EOF
	}
	f := z.files[z.pos]
	z.pos++

	mode := f.Mode()
	e := entry{
		name: f.Name,
		size: int64(f.UncompressedSize64),
		mode: mode,
		open: f.Open,
	}
	switch {
	case mode.IsDir():
		e.kind = kindDir
	case mode&fs.ModeSymlink != 0:
		e.kind = kindSymlink
		rc, err := f.Open()
		if err != nil {
			return entry{}, fmt.Errorf("failed to read symlink %s: %w", f.Name, err)
		}
		target, err := io.ReadAll(io.LimitReader(rc, 4096))
		rc.Close()
		if err != nil {
			return entry{}, fmt.Errorf("failed to read symlink %s: %w", f.Name, err)
		}
		e.linkname = string(target)
	case mode.IsRegular():
		e.kind = kindFile
	default:
		e.kind = kindOther
	}
	return e, nil
}

func (z *zipEntries) close() error {
	return nil
}
