package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/server/middleware"
)

type doneKey struct{}

// IntegrationHandler forwards key-authenticated calls to configured
// external services. Each service sits behind its own circuit breaker;
// transport errors and 5xx responses count as failures.
type IntegrationHandler struct {
	proxies  map[string]*httputil.ReverseProxy
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewIntegrationHandler creates a handler for the given service name to
// base URL mapping.
func NewIntegrationHandler(targets map[string]string, breakers *circuitbreaker.Registry, logger *slog.Logger) (*IntegrationHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &IntegrationHandler{
		proxies:  make(map[string]*httputil.ReverseProxy, len(targets)),
		breakers: breakers,
		logger:   logger,
	}
	for name, raw := range targets {
		target, err := url.Parse(raw)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("integration %q: invalid url %q", name, raw)
		}
		h.proxies[name] = h.newProxy(name, target)
	}
	return h, nil
}

// Services returns the configured service names, sorted.
func (h *IntegrationHandler) Services() []string {
	names := make([]string, 0, len(h.proxies))
	for name := range h.proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *IntegrationHandler) newProxy(name string, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Warden credentials stay at the edge.
			pr.Out.Header.Del(middleware.DefaultAPIKeyHeader)
			pr.Out.Header.Del("Authorization")
		},
		ModifyResponse: func(resp *http.Response) error {
			done := doneFrom(resp.Request.Context())
			if resp.StatusCode >= http.StatusInternalServerError {
				done(fmt.Errorf("%s: upstream status %d", name, resp.StatusCode))
			} else {
				done(nil)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			done := doneFrom(r.Context())
			if r.Context().Err() != nil {
				done(context.Canceled)
				return
			}
			done(err)
			h.logger.Warn("integration call failed", "service", name, "error", err)
			writeError(w, http.StatusBadGateway, "Upstream service request failed",
				map[string]interface{}{"service": name})
		},
	}
}

func doneFrom(ctx context.Context) circuitbreaker.DoneFunc {
	if done, ok := ctx.Value(doneKey{}).(circuitbreaker.DoneFunc); ok {
		return done
	}
	return func(error) {}
}

// Proxy forwards the request to the named service.
// ANY /api/v1/integrations/{service}/*
func (h *IntegrationHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	proxy, ok := h.proxies[name]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown integration: "+name)
		return
	}

	done, err := h.breakers.Allow(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Releases a probe slot if neither callback ran. No-op otherwise.
	defer done(context.Canceled)

	out := r.Clone(context.WithValue(r.Context(), doneKey{}, done))
	out.URL.Path = "/" + chi.URLParam(r, "*")
	out.URL.RawPath = ""
	proxy.ServeHTTP(w, out)
}
