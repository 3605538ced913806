package addons

import "github.com/corewire/mitmcore/proxy"

// Decoder reverses the response's Content-Encoding before handing it to
// downstream addons, so later stages (dumper, HTML rewriting) always see
// plain bytes.
type Decoder struct {
	proxy.BaseAddon
}

func (*Decoder) Response(f *proxy.Flow) {
	f.Response.ReplaceToDecodedBody()
}
