package shell

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pukassein/anatoplus/internal"
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// NewServer wraps the session API with CORS, tracing and request logging.
func NewServer(h http.Handler) http.Handler {
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
				})
			},
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "anatoplus")
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.Method == "OPTIONS" {
					return
				}
				entry := internal.DecorateLogger(r.Context(), hlog.FromRequest(r).Info())
				entry.Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			allowCORS,
		},
		final: h,
	}
}

// RunServer serves the session API on bindAddr, blocking forever.
func RunServer(h http.Handler, bindAddr string) {
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, NewServer(h)); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
