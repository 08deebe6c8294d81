package devserver

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/coldog/chunkbld/pkg/config"
)

type proxyRoute struct {
	prefix string
	target *url.URL
	rp     *httputil.ReverseProxy
}

// proxies routes requests to the first route whose prefix matches. Routes
// are ordered longest prefix first.
type proxies []proxyRoute

func newProxies(rules map[string]config.ProxyRule, log *zap.Logger) (proxies, error) {
	var out proxies
	for prefix, rule := range rules {
		target, err := url.Parse(rule.Target)
		if err != nil {
			return nil, fmt.Errorf("devserver: proxy %s: %w", prefix, err)
		}
		out = append(out, proxyRoute{
			prefix: prefix,
			target: target,
			rp:     newReverseProxy(prefix, target, rule, log),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].prefix) != len(out[j].prefix) {
			return len(out[i].prefix) > len(out[j].prefix)
		}
		return out[i].prefix < out[j].prefix
	})
	return out, nil
}

func newReverseProxy(prefix string, target *url.URL, rule config.ProxyRule, log *zap.Logger) *httputil.ReverseProxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !rule.Secure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			if !rule.ChangeOrigin {
				r.Out.Host = r.In.Host
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("proxy request failed",
				zap.String("prefix", prefix),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func (p proxies) match(path string) (proxyRoute, bool) {
	for _, route := range p {
		if strings.HasPrefix(path, route.prefix) {
			return route, true
		}
	}
	return proxyRoute{}, false
}
