package adminapi

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof registers the runtime profiling endpoints behind the same auth
// as the admin routes.
func (s *Server) mountPprof(mux *http.ServeMux) {
	mux.HandleFunc(pprofPrefix, s.withAuth(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", s.withAuth(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", s.withAuth(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", s.withAuth(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", s.withAuth(hpprof.Trace))
}
