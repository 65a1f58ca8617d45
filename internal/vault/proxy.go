package vault

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Proxy is a forward HTTP proxy built on the scanning Transport. Plain
// HTTP requests are fully inspected; CONNECT tunnels pass through opaque
// (the brain's own client uses the Transport directly for TLS traffic, so
// nothing is lost there).
type Proxy struct {
	Transport *Transport
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute URL", http.StatusBadRequest)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	// Hop-by-hop headers do not forward.
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Connection")

	resp, err := p.Transport.RoundTrip(outReq)
	if err != nil {
		slog.Warn("proxy upstream failed", "url", sanitizeURL(r.URL), "error", err)
		http.Error(w, "upstream failure", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// tunnel handles CONNECT by splicing the two connections. Tunneled bytes
// are encrypted and not inspectable; the host still lands in the traffic
// log.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "cannot reach host", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if p.Transport.TrafficLog != nil {
		p.Transport.TrafficLog.Record(http.MethodConnect, r.Host, http.StatusOK)
	}
	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		defer upstream.Close()
		defer client.Close()
		io.Copy(upstream, client)
	}()
	go func() {
		defer upstream.Close()
		defer client.Close()
		io.Copy(client, upstream)
	}()
}
