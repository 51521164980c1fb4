// Package ingress implements spec §4.I1/I2: the normalizing and passthrough
// HTTP pipelines that sit in front of the routing layer, grounded in the
// teacher's server.go request handlers but rebuilt around dialect.Codec,
// connector.Connector and the routing.Router instead of the teacher's
// provider/router pair.
package ingress

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/erans/lunaroute/internal/core"
	"github.com/erans/lunaroute/internal/dialect"
	"github.com/erans/lunaroute/internal/metrics"
	"github.com/erans/lunaroute/internal/routing"
	"github.com/erans/lunaroute/internal/session"
)

// Listener is one configured ingress endpoint (spec §4.I1's "listener"):
// a URL path, the dialect its clients speak, and whether it runs the
// normalizing (I1) or passthrough (I2) pipeline.
type Listener struct {
	Name    string
	Path    string
	Dialect dialect.Name
	Kind    string // RoutingContext.ListenerKind
	Passthrough bool
}

// Pipeline wires together everything the ingress handlers need: the dialect
// codecs clients may speak, the router that picks a provider and connector,
// the session recorder, and the metrics registry. One Pipeline serves every
// configured Listener.
type Pipeline struct {
	Codecs   map[dialect.Name]dialect.Codec
	Router   *routing.Router
	Store    session.Store
	Mode     core.Mode
	Metrics  *metrics.Registry
	Logger   *logrus.Logger
}

// New builds a Pipeline from its dependencies.
func New(codecs map[dialect.Name]dialect.Codec, router *routing.Router, store session.Store, mode core.Mode, reg *metrics.Registry, logger *logrus.Logger) *Pipeline {
	return &Pipeline{Codecs: codecs, Router: router, Store: store, Mode: mode, Metrics: reg, Logger: logger}
}

// newIDs allocates the (session_id, request_id) pair spec §4.I1 step 2
// requires ingress to mint for every request. The session_id is 16 bytes
// from crypto/rand, hex-encoded to 32 chars; the request_id is a UUID.
func newIDs() (sessionID, requestID string) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("ingress: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b), uuid.New().String()
}

func (p *Pipeline) recorder(tenant *core.TenantId) *session.Recorder {
	return session.NewRecorder(p.Store, tenant)
}

// now exists so request-duration measurement reads as one call site instead
// of scattering time.Now() through the handlers.
func now() time.Time { return time.Now() }
