package ingress

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Mount registers every configured Listener's handler on r, choosing the
// normalizing (I1) or passthrough (I2) pipeline per spec §4.I1/I2. passthroughTargets
// maps a passthrough listener's name to its single upstream target.
func (p *Pipeline) Mount(r *mux.Router, listeners []Listener, passthroughTargets map[string]PassthroughTarget) {
	for _, l := range listeners {
		l := l
		if l.Passthrough {
			target, ok := passthroughTargets[l.Name]
			if !ok {
				panic("ingress: passthrough listener " + l.Name + " has no configured target")
			}
			r.HandleFunc(l.Path, p.PassthroughHandler(l, target)).Methods(http.MethodPost)
			continue
		}
		r.HandleFunc(l.Path, p.NormalizingHandler(l)).Methods(http.MethodPost)
	}
}
