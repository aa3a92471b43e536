package ollama

import (
	"net"
	"net/http"
	"time"

	"ollama-gateway/internal/config"
)

const (
	defaultKeepAlive      = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
)

// newHTTPClient builds a client with a pooled transport shared by every call
// to the engine. The client itself carries no timeout: each call is bounded by
// its own context so that streamed bodies are covered too.
func newHTTPClient(cfg config.BackendConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
	}

	return &http.Client{Transport: transport}
}
