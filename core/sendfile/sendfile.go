// Package sendfile streams files from disk into a response.
//
// The transport decides how the bytes move. On Linux net/http uses the
// sendfile(2) path for *os.File readers, so Serve keeps the file as an
// io.ReadSeeker rather than buffering it.
package sendfile

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrIsDirectory is returned by Open for directories.
var ErrIsDirectory = errors.New("sendfile: path is a directory")

// File is an opened regular file ready to be served.
type File struct {
	*os.File
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Open opens path and resolves its metadata. The caller closes the file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if st.IsDir() {
		f.Close()
		return nil, ErrIsDirectory
	}
	return &File{
		File:        f,
		Name:        filepath.Base(path),
		Size:        st.Size(),
		ModTime:     st.ModTime(),
		ContentType: ContentType(path),
	}, nil
}

// Serve writes f to w, honoring Range and conditional headers from r.
// The Content-Type is preset so ServeContent never sniffs.
func Serve(w http.ResponseWriter, r *http.Request, f *File) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", f.ContentType)
	}
	http.ServeContent(w, r, f.Name, f.ModTime, io.ReadSeeker(f.File))
}

// ContentType returns the MIME type for filename based on its extension.
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Disposition builds a Content-Disposition attachment value for filename.
// An empty filename yields a bare "attachment".
func Disposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	v := mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(filename)})
	if v == "" {
		return "attachment"
	}
	return v
}
