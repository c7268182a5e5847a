package opshttp

import (
	"net/http"
	"net/netip"

	"github.com/keithlinneman/txkillswitch/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges with 403, so binding the ops listener to 0.0.0.0 does
// not publish it.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil || !nonPublic(ap.Addr()) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublic(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast()
}
