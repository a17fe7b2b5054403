package proxy

import (
	"net/http"
	"net/http/httputil"
)

// Rewriter facilitates rewriting HTTP requests and responses according to the route chosen by the Dispatcher.
type Rewriter struct {
	decorators []Decorator
	via        string
}

// NewRewriter creates a new Rewriter that applies the given decorators in order. If via is non-empty it is
// added to responses from caching sites that haven't disabled it.
func NewRewriter(via string, decorators ...Decorator) *Rewriter {
	return &Rewriter{decorators: decorators, via: via}
}

// RewriteRequest points the outgoing request at the route's target and applies the decorators.
// It satisfies the signature of the Rewrite field of httputil.ReverseProxy.
func (r *Rewriter) RewriteRequest(pr *httputil.ProxyRequest) {
	route := routeFrom(pr.In.Context())
	r.apply(route, pr.In, pr.Out)
}

func (r *Rewriter) apply(route *Route, in, out *http.Request) {
	target := *route.Target
	out.URL = &target
	out.Host = ""

	for i := range r.decorators {
		r.decorators[i].Decorate(route, in, out)
	}
}

// RewriteResponse modifies responses on their way back to the client.
// It satisfies the signature of the ModifyResponse field of httputil.ReverseProxy.
func (r *Rewriter) RewriteResponse(response *http.Response) error {
	route := routeFrom(response.Request.Context())
	if route == nil {
		return nil
	}
	addVia(response.Header, route, r.via)
	return nil
}

func addVia(header http.Header, route *Route, via string) {
	d := route.Site.Declaration
	if via != "" && d.EnableCache && !d.DisableViaHeader {
		header.Add("Via", via)
	}
}
