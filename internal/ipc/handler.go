package ipc

import (
	"context"
	"errors"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"wgtunnel/internal/core"
	"wgtunnel/internal/service"
)

// Orchestrator is the part of service.Orchestrator the handler drives.
type Orchestrator interface {
	Connect(ctx context.Context, p *core.Profile) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) service.Status
	RegenerateKey(ctx context.Context) (wgtypes.Key, error)
	PublicKey() (wgtypes.Key, error)
	ImportProfile(ctx context.Context, name, text string) (*core.Profile, error)
}

// Handler implements TunnelServer on top of the orchestrator.
type Handler struct {
	orch    Orchestrator
	cfg     *core.ConfigManager
	bus     *core.EventBus
	tracker *ConnTracker
}

// NewHandler creates a handler. tracker may be nil.
func NewHandler(orch Orchestrator, cfg *core.ConfigManager, bus *core.EventBus, tracker *ConnTracker) *Handler {
	return &Handler{orch: orch, cfg: cfg, bus: bus, tracker: tracker}
}

var _ TunnelServer = (*Handler)(nil)

func (h *Handler) Connect(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	name := req.GetValue()
	p, ok := h.cfg.Profile(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "profile %q not found", name)
	}
	if err := h.orch.Connect(ctx, p); err != nil {
		return nil, toStatus(err)
	}
	return h.statusStruct(ctx)
}

func (h *Handler) Disconnect(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := h.orch.Disconnect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return h.statusStruct(ctx)
}

func (h *Handler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return h.statusStruct(ctx)
}

func (h *Handler) RegenerateKey(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	pub, err := h.orch.RegenerateKey(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(pub.String()), nil
}

func (h *Handler) ListProfiles(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	profiles := h.cfg.Profiles()
	list := make([]any, 0, len(profiles))
	for i := range profiles {
		list = append(list, profileMap(&profiles[i]))
	}
	active := ""
	if sess := h.orch.Status(ctx).Session; sess != nil {
		active = sess.Profile.Name
	}
	return newStruct(map[string]any{"profiles": list, "active": active})
}

func (h *Handler) ImportProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	name := fields["name"].GetStringValue()
	text := fields["text"].GetStringValue()
	if name == "" || text == "" {
		return nil, status.Error(codes.InvalidArgument, "name and text are required")
	}
	p, err := h.orch.ImportProfile(ctx, name, text)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(profileMap(p))
}

// Watch sends the current status, then every state change and stale
// handshake notice until the client goes away.
func (h *Handler) Watch(_ *emptypb.Empty, stream WatchStream) error {
	ctx := stream.Context()
	if h.tracker != nil {
		h.tracker.watchStarted()
		defer h.tracker.watchEnded()
	}

	events := make(chan core.Event, 16)
	forward := func(e core.Event) {
		select {
		case events <- e:
		default:
			core.Log.Warnf("IPC", "Watch client too slow, dropping event %d", e.Type)
		}
	}
	unsubState := h.bus.Subscribe(core.EventStateChanged, forward)
	defer unsubState()
	unsubStale := h.bus.Subscribe(core.EventHandshakeStale, forward)
	defer unsubStale()

	first, err := h.statusStruct(ctx)
	if err != nil {
		return err
	}
	first.Fields["event"] = structpb.NewStringValue("status")
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			msg, err := eventStruct(e)
			if err != nil {
				core.Log.Warnf("IPC", "Encode event: %v", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) statusStruct(ctx context.Context) (*structpb.Struct, error) {
	st := h.orch.Status(ctx)
	m := map[string]any{"state": st.State.String(), "busy": st.State.Busy()}
	if st.LastError != nil {
		m["last_error"] = st.LastError.Error()
	}
	if pub, err := h.orch.PublicKey(); err == nil {
		m["public_key"] = pub.String()
	}
	if h.tracker != nil {
		m["watchers"] = h.tracker.Watchers()
	}
	if s := st.Session; s != nil {
		routes := make([]any, len(s.Routes))
		for i, r := range s.Routes {
			routes[i] = r.Destination.String()
		}
		m["session_id"] = s.ID
		m["profile"] = s.Profile.Name
		m["endpoint"] = s.Profile.Endpoint
		m["interface"] = s.Interface.Name
		m["luid"] = s.Interface.LUID
		m["guid"] = s.Interface.GUID
		m["started_at"] = s.StartedAt.UTC().Format(time.RFC3339)
		m["routes"] = routes
		m["dns_modified"] = s.DNSModified
		covered := s.Profile.CoveredRanges()
		ranges := make([]any, len(covered))
		for i, p := range covered {
			ranges[i] = p.String()
		}
		m["covered_ranges"] = ranges
		if len(s.DNSServers) > 0 {
			servers := make([]any, len(s.DNSServers))
			for i, a := range s.DNSServers {
				servers[i] = a.String()
			}
			m["dns_servers"] = servers
		}
	}
	if st.Tunnel != nil {
		peers := make([]any, 0, len(st.Tunnel.Peers))
		for _, p := range st.Tunnel.Peers {
			pm := map[string]any{
				"public_key": p.PublicKey.String(),
				"endpoint":   p.Endpoint,
				"rx_bytes":   p.RxBytes,
				"tx_bytes":   p.TxBytes,
			}
			if !p.LastHandshake.IsZero() {
				pm["last_handshake"] = p.LastHandshake.UTC().Format(time.RFC3339)
			}
			peers = append(peers, pm)
		}
		m["peers"] = peers
	}
	return newStruct(m)
}

func eventStruct(e core.Event) (*structpb.Struct, error) {
	switch p := e.Payload.(type) {
	case core.StatePayload:
		m := map[string]any{
			"event":     "state_changed",
			"profile":   p.Profile,
			"old_state": p.OldState.String(),
			"state":     p.NewState.String(),
		}
		if p.Err != nil {
			m["error"] = p.Err.Error()
		}
		return structpb.NewStruct(m)
	case core.HandshakePayload:
		m := map[string]any{
			"event":     "handshake_stale",
			"interface": p.Interface,
			"age":       p.Age.String(),
		}
		if !p.LastHandshake.IsZero() {
			m["last_handshake"] = p.LastHandshake.UTC().Format(time.RFC3339)
		}
		return structpb.NewStruct(m)
	default:
		return nil, errors.New("unknown event payload")
	}
}

func profileMap(p *core.Profile) map[string]any {
	return map[string]any{
		"name":        p.Name,
		"endpoint":    p.Endpoint,
		"allowed_ips": stringList(p.AllowedIPs),
		"dns":         stringList(p.DNS),
		"addresses":   stringList(p.Addresses),
	}
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// toStatus maps orchestrator errors to gRPC status codes.
func toStatus(err error) error {
	var (
		ist *core.InvalidStateTransition
		ve  *core.ValidationError
	)
	switch {
	case errors.As(err, &ist):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
