package server

import (
	"net/http"
	"os"
	"time"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials)

// Login attempts allowed per IP per minute. Low, because every attempt costs us
// an scrypt evaluation, and brute forcing is the only reason to go faster.
const loginRateLimit = 10

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	// Every route carries a per-IP rate limit. Exceeding it yields a 429 before
	// the handler runs.
	limiter := func(requestLimit int) func(http.Handler) http.Handler {
		return httprate.Limit(requestLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	}

	// unprotected creates an HTTP handler that is accessible without authentication
	unprotected := func(method, route string, handle httprouter.Handle, requestLimit int) {
		limited := limiter(requestLimit)
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	// protected creates an HTTP handler that is accessible only with a bearer token
	protected := func(method, route string, handle authenticatedHandler, requestLimit int) {
		limited := limiter(requestLimit)
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				cred := s.auth.AuthenticateRequest(w, r)
				if cred == nil {
					return
				}
				handle(w, r, params, cred)
			})).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing, 60)

	unprotected("POST", "/api/auth/login", s.httpAuthLogin, loginRateLimit)
	unprotected("POST", "/api/auth/verify", s.httpAuthVerifyToken, 30)
	protected("POST", "/api/auth/logout", s.httpAuthLogout, 30)
	protected("GET", "/api/auth/check", s.httpAuthCheck, 60)
	protected("POST", "/api/auth/user/create", s.httpAuthCreateUser, 10)

	protected("POST", "/api/clips/upload", s.clips.HttpUploadClip, 60)
	protected("GET", "/api/videos", s.clips.HttpListVideos, 120)
	protected("GET", "/api/clip/video", s.clips.HttpGetVideo, 120)
	protected("GET", "/api/clip/image", s.clips.HttpGetImage, 120)
	protected("DELETE", "/api/clips/:eventID", s.clips.HttpDeleteEvent, 60)

	protected("GET", "/api/live/publish", s.live.HttpPublish, 10)
	protected("GET", "/api/live/watch", s.live.HttpWatch, 30)

	protected("POST", "/api/faces/:action", s.httpFaces, 10)

	if s.cfg.HTTP.StaticRoot != "" {
		isImmutable := s.cfg.HTTP.Mode != ModeDevelopment
		static, err := staticfiles.NewCachedStaticFileServer(os.DirFS(s.cfg.HTTP.StaticRoot), "", []string{"/api/"}, s.Log, isImmutable, nil)
		if err != nil {
			s.Log.Warnf("Error in static files: %v. Run 'npm run build' in 'www' to build static files. If you're using 'npm run dev', then you can ignore this warning.", err)
		} else {
			router.NotFound = static
		}
	}

	s.httpHandler = router
	if s.cfg.HTTP.Mode == ModeDevelopment {
		s.httpHandler = corsHandler(s.cfg.HTTP.AllowedOrigins, router)
	}
	return nil
}

// In development the SPA is served by its own dev server on a different origin,
// so the browser sends preflights. Production serves the SPA from this process,
// and this wrapper is not installed.
func corsHandler(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	allowed := map[string]bool{}
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, eventid, deviceid, devicelocation, timesent, filename")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
