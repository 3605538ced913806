package addons

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/corewire/mitmcore/internal/helper"
	"github.com/corewire/mitmcore/proxy"
)

type mapRemoteTo struct {
	Protocol string
	Host     string
	Path     string
}

type mapRemoteItem struct {
	From   *mapFrom
	To     *mapRemoteTo
	Enable bool
}

func (itm *mapRemoteItem) match(req *proxy.Request) bool {
	if !itm.Enable {
		return false
	}
	return itm.From.match(req)
}

// replace rewrites req's URL according to itm.To, leaving fields that To
// leaves empty untouched. When From.Path ends in "/*", only the part of the
// request path beyond that prefix carries over onto To.Path.
func (itm *mapRemoteItem) replace(req *proxy.Request) *proxy.Request {
	u := *req.URL

	if itm.To.Protocol != "" {
		u.Scheme = itm.To.Protocol
	}
	if itm.To.Host != "" {
		u.Host = itm.To.Host
	}
	if itm.To.Path != "" {
		if strings.HasSuffix(itm.From.Path, "/*") {
			suffix := req.URL.Path[len(itm.From.Path)-2:]
			u.Path = itm.To.Path + suffix
		} else {
			u.Path = itm.To.Path
		}
	}

	newReq := *req
	newReq.URL = &u
	return &newReq
}

// MapRemote rewrites matched requests onto a different upstream URL before
// they're forwarded, letting the operator redirect traffic transparently.
type MapRemote struct {
	proxy.BaseAddon
	Items  []*mapRemoteItem
	Enable bool
}

func (mr *MapRemote) Requestheaders(f *proxy.Flow) {
	if !mr.Enable {
		return
	}
	for _, item := range mr.Items {
		if item.match(f.Request) {
			before := f.Request.URL.String()
			f.Request = item.replace(f.Request)
			slog.Info("map remote", "from", before, "to", f.Request.URL.String())
			return
		}
	}
}

func (mr *MapRemote) validate() error {
	for i, item := range mr.Items {
		if item.From == nil {
			return fmt.Errorf("%v no item.From", i)
		}
		if item.From.Protocol != "" && item.From.Protocol != "http" && item.From.Protocol != "https" {
			return fmt.Errorf("%v invalid item.From.Protocol %v", i, item.From.Protocol)
		}
		if item.To == nil {
			return fmt.Errorf("%v no item.To", i)
		}
		if item.To.Protocol != "" {
			if _, err := url.Parse(item.To.Protocol + "://" + item.To.Host); err != nil {
				return fmt.Errorf("%v invalid item.To.Host %v: %w", i, item.To.Host, err)
			}
		}
	}
	return nil
}

// NewMapRemoteFromFile loads a MapRemote configuration from a JSON file.
func NewMapRemoteFromFile(filename string) (*MapRemote, error) {
	var mapRemote MapRemote
	if err := helper.NewStructFromFile(filename, &mapRemote); err != nil {
		return nil, err
	}
	if err := mapRemote.validate(); err != nil {
		return nil, err
	}
	return &mapRemote, nil
}
