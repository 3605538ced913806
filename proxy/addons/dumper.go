package addons

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/corewire/mitmcore/proxy"
)

// Dumper writes every flow to a file as newline-delimited JSON. Level 0 dumps
// request/response headers only; level 1 also includes the bodies.
type Dumper struct {
	proxy.BaseAddon

	level int

	mu   sync.Mutex
	file *os.File
}

type dumpRecord struct {
	Method         string      `json:"method"`
	URL            string      `json:"url"`
	RequestHeader  interface{} `json:"requestHeader,omitempty"`
	RequestBody    string      `json:"requestBody,omitempty"`
	StatusCode     int         `json:"statusCode"`
	ResponseHeader interface{} `json:"responseHeader,omitempty"`
	ResponseBody   string      `json:"responseBody,omitempty"`
}

// NewDumperWithFilename creates a Dumper that appends to filename, creating
// it if necessary. On open failure it logs the error and returns a no-op
// Dumper rather than failing proxy startup.
func NewDumperWithFilename(filename string, level int) *Dumper {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("dumper: failed to open file", "file", filename, "error", err)
		return &Dumper{level: level}
	}
	return &Dumper{level: level, file: f}
}

func (d *Dumper) Response(f *proxy.Flow) {
	if d.file == nil || f.Response == nil {
		return
	}

	rec := dumpRecord{
		Method:         f.Request.Method,
		URL:            f.Request.URL.String(),
		StatusCode:     f.Response.StatusCode,
		RequestHeader:  f.Request.Header,
		ResponseHeader: f.Response.Header,
	}
	if d.level >= 1 {
		rec.RequestBody = string(f.Request.Body)
		rec.ResponseBody = string(f.Response.Body)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		slog.Error("dumper: marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.file.Write(line); err != nil {
		slog.Error("dumper: write failed", "error", err)
	}
}
