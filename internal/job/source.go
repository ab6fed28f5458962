package job

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/gabriel-vasile/mimetype"
)

var allowedExtensions = map[string]struct{}{".mp3": {}, ".wav": {}}

// Source is the input of a job: local content or an already stored remote file.
type Source struct {
	Name string
	Size int64
	MIME string

	remoteFileID string
	open         func() (io.ReadCloser, error)
}

// Open returns a fresh reader over the source content.
func (s Source) Open() (io.ReadCloser, error) {
	if s.open == nil {
		return nil, ErrNoSourceContent
	}
	return s.open()
}

// FileSource reads a file from disk.
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return Source{}, &ValidationError{Name: path, Reason: "is a directory"}
	}
	return Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		open: func() (io.ReadCloser, error) { return os.Open(path) }, //nolint:gosec // user-selected input file
	}, nil
}

// BytesSource wraps in-memory content.
func BytesSource(name string, data []byte) Source {
	return Source{
		Name: name,
		Size: int64(len(data)),
		open: func() (io.ReadCloser, error) { return bytesFile{bytes.NewReader(data)}, nil },
	}
}

// OpenerSource wraps content produced by open, such as a multipart upload.
func OpenerSource(name string, size int64, open func() (io.ReadCloser, error)) Source {
	return Source{Name: name, Size: size, open: open}
}

func remoteSource(fileID, name string) Source {
	return Source{Name: name, remoteFileID: fileID}
}

type bytesFile struct{ *bytes.Reader }

func (bytesFile) Close() error { return nil }

type sourceInfo struct {
	mime   string
	title  string
	artist string
}

// inspect checks extension, size and sniffed content type, and reads tags when it can.
func inspect(s Source, maxBytes int64) (sourceInfo, error) {
	ext := strings.ToLower(filepath.Ext(s.Name))
	if _, ok := allowedExtensions[ext]; !ok {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: "only MP3 and WAV files are supported"}
	}
	if s.Size > maxBytes {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: fmt.Sprintf("file exceeds %d MB", maxBytes>>20)}
	}
	if s.Size == 0 {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: "file is empty"}
	}

	rc, err := s.Open()
	if err != nil {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: "cannot read: " + err.Error()}
	}
	defer func() { _ = rc.Close() }()

	detected, err := mimetype.DetectReader(rc)
	if err != nil {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: "cannot read: " + err.Error()}
	}
	if !strings.HasPrefix(detected.String(), "audio/") {
		return sourceInfo{}, &ValidationError{Name: s.Name, Reason: "content is " + detected.String() + ", not audio"}
	}

	info := sourceInfo{mime: detected.String()}
	if rs, ok := rc.(io.ReadSeeker); ok {
		if _, err := rs.Seek(0, io.SeekStart); err == nil {
			if meta, err := tag.ReadFrom(rs); err == nil {
				info.title = meta.Title()
				info.artist = meta.Artist()
			}
		}
	}
	return info, nil
}

// historyTitle strips the final extension from a filename.
func historyTitle(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return name
	}
	return name[:i]
}
