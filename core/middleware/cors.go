package middleware

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/http"
)

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, "*" or "*.example.com" patterns.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig allows any origin with the common methods.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", core.HeaderRequestID},
		MaxAge:         10 * time.Minute,
	}
}

// CORS sets the cross-origin headers for allowed origins and answers
// preflight requests with 204 without running the rest of the chain.
func CORS(cfg CORSConfig) http.MiddlewareFunc {
	methods := strings.Join(cfg.AllowedMethods, ",")
	headers := strings.Join(cfg.AllowedHeaders, ",")
	exposed := strings.Join(cfg.ExposedHeaders, ",")
	maxAge := strconv.Itoa(int(cfg.MaxAge / time.Second))

	return func(c *http.Context, next http.Next) error {
		res := c.Response()
		origin := c.Header(core.HeaderOrigin)
		preflight := c.Method() == "OPTIONS" && origin != "" && c.Header("Access-Control-Request-Method") != ""

		if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
			if wildcardOnly(cfg.AllowedOrigins) && !cfg.AllowCredentials {
				res.SetHeader("Access-Control-Allow-Origin", "*")
			} else {
				res.SetHeader("Access-Control-Allow-Origin", origin)
				res.AddHeader(core.HeaderVary, core.HeaderOrigin)
			}
			if cfg.AllowCredentials {
				res.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if preflight {
				res.SetHeader("Access-Control-Allow-Methods", methods)
				if headers != "" {
					res.SetHeader("Access-Control-Allow-Headers", headers)
				} else if req := c.Header("Access-Control-Request-Headers"); req != "" {
					res.SetHeader("Access-Control-Allow-Headers", req)
				}
				if cfg.MaxAge > 0 {
					res.SetHeader("Access-Control-Max-Age", maxAge)
				}
			} else if exposed != "" {
				res.SetHeader("Access-Control-Expose-Headers", exposed)
			}
		}

		if preflight {
			return res.SendStatus(204)
		}
		next(nil)
		return nil
	}
}

func wildcardOnly(allowed []string) bool {
	return len(allowed) == 1 && allowed[0] == "*"
}

func originAllowed(origin string, allowed []string) bool {
	var host string
	for _, a := range allowed {
		switch {
		case a == "*" || strings.EqualFold(a, origin):
			return true
		case strings.HasPrefix(a, "*."):
			if host == "" {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host = strings.ToLower(u.Hostname())
			}
			if strings.HasSuffix(host, strings.ToLower(a[1:])) {
				return true
			}
		}
	}
	return false
}

// CORSPlugin installs CORS as global middleware. Options: allowed_origins,
// allowed_methods, allowed_headers, exposed_headers, allow_credentials,
// max_age.
type CORSPlugin struct{}

func (CORSPlugin) Name() string { return NameCORS }

func (CORSPlugin) Load(e *core.Engine, opts config.Options) error {
	cfg := DefaultCORSConfig()
	cfg.AllowedOrigins = opts.GetStringSlice("allowed_origins", cfg.AllowedOrigins)
	cfg.AllowedMethods = opts.GetStringSlice("allowed_methods", cfg.AllowedMethods)
	cfg.AllowedHeaders = opts.GetStringSlice("allowed_headers", cfg.AllowedHeaders)
	cfg.ExposedHeaders = opts.GetStringSlice("exposed_headers", cfg.ExposedHeaders)
	cfg.AllowCredentials = opts.GetBool("allow_credentials", false)
	cfg.MaxAge = opts.GetDuration("max_age", cfg.MaxAge)
	e.Use(CORS(cfg))
	return nil
}
