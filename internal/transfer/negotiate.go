package transfer

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/svcfields"
)

// FinalizeSupport records which finalize call an endpoint accepts.
type FinalizeSupport int

const (
	// FinalizeUnknown means the endpoint has not been classified yet.
	FinalizeUnknown FinalizeSupport = iota
	// FinalizeSupported means parseLocalExt is available.
	FinalizeSupported
	// FinalizeLegacyRequired means only parseLocal is available. The legacy
	// call carries neither the XML flag nor timestamps.
	FinalizeLegacyRequired
)

func (f FinalizeSupport) String() string {
	switch f {
	case FinalizeSupported:
		return "ext"
	case FinalizeLegacyRequired:
		return "legacy"
	default:
		return "unknown"
	}
}

// Finalize method names.
const (
	MethodFinalize       = "parseLocalExt"
	MethodFinalizeLegacy = "parseLocal"
	MethodListMethods    = "system.listMethods"
)

// FinalizeRequest is the commit step of an upload.
type FinalizeRequest struct {
	FileName string
	Path     string
	MimeType string
	IsXML    bool
	Created  time.Time
	Modified time.Time
}

func (r FinalizeRequest) params(legacy bool) []any {
	params := []any{r.FileName, r.Path, true, r.MimeType}
	if legacy {
		return params
	}
	params = append(params, r.IsXML)
	if !r.Created.IsZero() || !r.Modified.IsZero() {
		params = append(params, timeParam(r.Created), timeParam(r.Modified))
	}
	return params
}

func timeParam(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

type probeState struct {
	support FinalizeSupport
	probed  bool
}

// Negotiator caches, per endpoint, whether uploads finalize through
// parseLocalExt or the legacy parseLocal. The cache is filled by probing
// system.listMethods once. The modern call is attempted unless the endpoint
// is pinned to legacy, and a method-not-found reply pins it, even when the
// probe had advertised parseLocalExt.
type Negotiator struct {
	mu     sync.Mutex
	state  map[string]*probeState
	logger pslog.Logger
}

// NewNegotiator returns an empty negotiator.
func NewNegotiator(logger pslog.Logger) *Negotiator {
	return &Negotiator{
		state:  make(map[string]*probeState),
		logger: svcfields.WithSubsystem(logger, "client.remote.negotiate"),
	}
}

// Support returns the cached classification for endpoint, probing it on
// first use.
func (n *Negotiator) Support(ctx context.Context, caller rpc.Caller, endpoint string) FinalizeSupport {
	n.mu.Lock()
	st, ok := n.state[endpoint]
	if !ok {
		st = &probeState{}
		n.state[endpoint] = st
	}
	if st.probed {
		support := st.support
		n.mu.Unlock()
		return support
	}
	n.mu.Unlock()

	support := n.probe(ctx, caller, endpoint)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !st.probed {
		st.probed = true
		if st.support == FinalizeUnknown {
			st.support = support
		}
	}
	return st.support
}

func (n *Negotiator) probe(ctx context.Context, caller rpc.Caller, endpoint string) FinalizeSupport {
	res, err := caller.Call(ctx, MethodListMethods)
	if err != nil {
		n.logger.Debug("transfer.negotiate.probe_failed", svcfields.EndpointKey, endpoint, "error", err)
		return FinalizeUnknown
	}
	methods, err := rpc.AsStrings(res)
	if err != nil {
		return FinalizeUnknown
	}
	var legacy bool
	for _, m := range methods {
		switch m {
		case MethodFinalize:
			return FinalizeSupported
		case MethodFinalizeLegacy:
			legacy = true
		}
	}
	if legacy {
		return FinalizeLegacyRequired
	}
	return FinalizeUnknown
}

func (n *Negotiator) pin(endpoint string, support FinalizeSupport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.state[endpoint]
	if !ok {
		st = &probeState{}
		n.state[endpoint] = st
	}
	st.support = support
	st.probed = true
}

// Finalize commits an uploaded temp file with the call the endpoint accepts.
// It returns the mode that was used.
func (n *Negotiator) Finalize(ctx context.Context, caller rpc.Caller, endpoint string, req FinalizeRequest) (FinalizeSupport, error) {
	support := n.Support(ctx, caller, endpoint)
	if support == FinalizeLegacyRequired {
		_, err := caller.Call(ctx, MethodFinalizeLegacy, req.params(true)...)
		return FinalizeLegacyRequired, err
	}
	_, err := caller.Call(ctx, MethodFinalize, req.params(false)...)
	if err == nil {
		if support == FinalizeUnknown {
			n.pin(endpoint, FinalizeSupported)
		}
		return FinalizeSupported, nil
	}
	if rpc.IsMethodNotFound(err) {
		n.logger.Info("transfer.negotiate.legacy_finalize", svcfields.EndpointKey, endpoint, "probed", support.String())
		n.pin(endpoint, FinalizeLegacyRequired)
		_, err = caller.Call(ctx, MethodFinalizeLegacy, req.params(true)...)
		return FinalizeLegacyRequired, err
	}
	return support, err
}
