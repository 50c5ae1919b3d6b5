package idpermanence

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/cdsgate/internal/codec"
	"github.com/l0p7/cdsgate/internal/metrics"
)

const maxResponseBody = 32 << 20

// ResponseEncrypter encrypts identifiers in JSON responses before they leave
// the gateway: configured fields anywhere in the document and the template
// parameters of URLs held in "links" objects.
type ResponseEncrypter struct {
	settings   Settings
	apiContext string
	fields     map[string]struct{}
	maxBody    int
}

// NewResponseEncrypter builds the outbound stage for an API published under
// apiContext.
func NewResponseEncrypter(settings Settings, apiContext string) *ResponseEncrypter {
	return &ResponseEncrypter{
		settings:   settings,
		apiContext: strings.TrimSuffix(apiContext, "/"),
		fields:     fieldSet(settings.ResponseFields),
		maxBody:    maxResponseBody,
	}
}

// Active reports whether the encrypter has anything to do.
func (e *ResponseEncrypter) Active() bool {
	return e != nil && (len(e.fields) > 0 || len(e.settings.Resources) > 0)
}

// ModifyResponse rewrites resp in place. Bodies that are compressed, not JSON
// or not decodable are passed through untouched.
func (e *ResponseEncrypter) ModifyResponse(resp *http.Response) error {
	if !e.Active() || resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	if resp.Header.Get("Content-Encoding") != "" || !isJSON(resp.Header.Get("Content-Type")) {
		return nil
	}

	upstream := resp.Body
	original, err := io.ReadAll(io.LimitReader(upstream, int64(e.maxBody)+1))
	if err != nil {
		_ = upstream.Close()
		return err
	}
	if len(original) > e.maxBody {
		// Too large to rewrite: replay the buffered prefix, then the rest of the
		// upstream stream.
		e.settings.logger().Warn("response too large for identifier encryption", slog.Int("limit_bytes", e.maxBody))
		resp.Body = &replayedBody{
			Reader: io.MultiReader(bytes.NewReader(original), upstream),
			Closer: upstream,
		}
		return nil
	}
	if err := upstream.Close(); err != nil {
		e.settings.logger().Debug("upstream body close failed", slog.Any("error", err))
	}

	out := original
	if doc, err := decodeJSON(original); err == nil {
		if changed := e.encryptDocument(doc); changed > 0 {
			if encoded, err := encodeJSON(doc); err == nil {
				out = encoded
			}
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

type replayedBody struct {
	io.Reader
	io.Closer
}

func (e *ResponseEncrypter) encryptDocument(doc any) int {
	changed, _ := transformFields(doc, e.fields, func(_, value string) (string, error) {
		token, err := codec.Encrypt(value, e.settings.Secret)
		if err != nil {
			return value, nil
		}
		e.settings.Metrics.ObserveIdentifier(e.settings.API, metrics.IdentifierOutbound, metrics.IdentifierOK)
		return token, nil
	})
	if len(e.settings.Resources) > 0 {
		changed += e.encryptLinks(doc)
	}
	return changed
}

func (e *ResponseEncrypter) encryptLinks(node any) int {
	changed := 0
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if links, ok := child.(map[string]any); ok && key == "links" {
				for name, raw := range links {
					s, ok := raw.(string)
					if !ok {
						continue
					}
					if rewritten, ok := e.EncryptLink(s); ok {
						links[name] = rewritten
						changed++
					}
				}
				continue
			}
			changed += e.encryptLinks(child)
		}
	case []any:
		for _, child := range v {
			changed += e.encryptLinks(child)
		}
	}
	return changed
}

// EncryptLink encrypts the template parameters of a link URL. It reports
// false when the link does not address an encrypted resource of this API.
func (e *ResponseEncrypter) EncryptLink(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, false
	}
	path := u.EscapedPath()
	prefix, sub, ok := e.splitContext(path)
	if !ok {
		return raw, false
	}
	_, params, ok := e.settings.Resources.Match(sub)
	if !ok {
		return raw, false
	}
	replacements := make(map[int]string, len(params))
	for _, param := range params {
		plain, err := url.PathUnescape(param.Value)
		if err != nil {
			return raw, false
		}
		token, err := codec.Encrypt(plain, e.settings.Secret)
		if err != nil {
			return raw, false
		}
		replacements[param.Index] = token
		e.settings.Metrics.ObserveIdentifier(e.settings.API, metrics.IdentifierOutbound, metrics.IdentifierOK)
	}
	escaped := prefix + Substitute(sub, replacements)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return raw, false
	}
	u.Path = unescaped
	u.RawPath = escaped
	return u.String(), true
}

func (e *ResponseEncrypter) splitContext(path string) (string, string, bool) {
	if e.apiContext == "" {
		return "", path, true
	}
	idx := strings.Index(path, e.apiContext)
	for idx >= 0 {
		end := idx + len(e.apiContext)
		if end == len(path) || path[end] == '/' {
			return path[:end], path[end:], true
		}
		next := strings.Index(path[end:], e.apiContext)
		if next < 0 {
			break
		}
		idx = end + next
	}
	return "", "", false
}
