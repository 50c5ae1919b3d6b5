// Package idpermanence keeps internal resource identifiers out of the public
// API surface: tokens in paths and bodies are decrypted on the way in and
// identifiers are encrypted again on the way out.
package idpermanence

import (
	"net/url"
	"strings"

	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

// MarkerHeader carries the decrypted sub path from the decrypt stage to
// Rewrite within a single request. It is never forwarded.
const MarkerHeader = "decryptedSubRequestPath"

// Rewrite applies the decrypted sub path announced by MarkerHeader to every
// path representation in mc. Without the marker mc is returned unchanged.
// The input is not modified.
func Rewrite(mc pipeline.MessageContext) pipeline.MessageContext {
	decrypted := mc.Headers.Get(MarkerHeader)
	if decrypted == "" {
		return mc
	}

	out := mc.Clone()
	out.Headers.Del(MarkerHeader)

	postfix := pipeline.Postfix(decrypted, mc.RawQuery)
	out.FullRequestPath = mc.APIContext + decrypted
	out.SubRequestPath = decrypted
	out.Resource = decrypted
	out.URLPostfix = postfix
	out.TransportOutboundURL = replaceOutbound(mc.TransportOutboundURL, mc.URLPostfix, mc.SubRequestPath, decrypted, postfix)
	return out
}

func replaceOutbound(outbound, oldPostfix, oldSub, newSub, newPostfix string) string {
	if oldPostfix != "" && strings.HasSuffix(outbound, oldPostfix) {
		return strings.TrimSuffix(outbound, oldPostfix) + newPostfix
	}
	u, err := url.Parse(outbound)
	if err != nil {
		return outbound
	}
	escaped := u.EscapedPath()
	if !strings.HasSuffix(escaped, oldSub) {
		return outbound
	}
	rewritten := strings.TrimSuffix(escaped, oldSub) + newSub
	if path, err := url.PathUnescape(rewritten); err == nil {
		u.Path = path
		u.RawPath = rewritten
	}
	return u.String()
}
