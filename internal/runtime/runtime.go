package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/agenthost"
	"github.com/agentcore/runtime/internal/config"
	"github.com/agentcore/runtime/internal/controlplane"
	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/logbuffer"
	"github.com/agentcore/runtime/internal/persistence"
	"github.com/agentcore/runtime/internal/relay"
	"github.com/agentcore/runtime/internal/rerr"
	"github.com/agentcore/runtime/internal/router"
	"github.com/agentcore/runtime/internal/scheduler"
	"github.com/agentcore/runtime/internal/signing"
	"github.com/agentcore/runtime/internal/statestore"
)

// controlPlaneMessageKind is the envelope.Kind stamped on envelopes
// injected via POST /agents/{id}/send. It is not configurable: unlike
// STATE_KIND (which must match whatever an agent's own filter expects so
// the agent receives the echo of its own injected message the way it
// would any other inbound message), this only needs to be a value no
// hosted agent's own traffic collides with by convention.
const controlPlaneMessageKind envelope.Kind = 30000

// runtimeVersion is stamped into runtime.json on every boot (spec §6.5).
const runtimeVersion = "0.1.0"

// Runtime wires every capability module into one bootable process: one
// Agent Host per manifest-declared agent, a shared Router/Scheduler/State
// Store/relay connection, and the control plane HTTP surface.
type Runtime struct {
	cfg *config.Config

	relay       relay.Client
	signer      *signing.Service
	store       *statestore.Store
	sched       *scheduler.Scheduler
	router      *router.Router
	persistence *persistence.Store
	registry    *controlplane.Registry
	control     *controlplane.Server

	hosts  []*agenthost.Host
	hostWG sync.WaitGroup

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

// Boot constructs and starts every module from cfg, hosting the agents
// named in the manifest at manifestPath using factories (nil selects
// BuiltinFactories; a non-nil registry is used as given, without the
// builtins merged in). It
// returns once every agent's Host goroutine and the control plane HTTP
// server are running.
func Boot(ctx context.Context, cfg *config.Config, manifestPath string, factories FactoryRegistry) (*Runtime, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}

	relayClient, err := newRelayClient(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rerr.ErrConfiguration, err)
	}
	if err := relayClient.Connect(ctx, relayDialTarget(cfg.RelayURL)); err != nil {
		return nil, fmt.Errorf("%w: connect relay: %v", rerr.ErrTransport, err)
	}

	var persist *persistence.Store
	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create persist dir: %v", rerr.ErrConfiguration, err)
		}
		persist, err = persistence.Open(cfg.PersistDir + "/agentcore.db")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rerr.ErrConfiguration, err)
		}
	}

	store := statestore.New(relayClient, signer, envelope.Kind(cfg.StateKind), cfg.StateDTag,
		5*time.Second, 1, nil)

	rt := &Runtime{
		cfg:         cfg,
		relay:       relayClient,
		signer:      signer,
		store:       store,
		persistence: persist,
		registry:    controlplane.NewRegistry(),
	}

	rt.router = router.New(func(agentID, reason string) {
		log.Printf("router: dropped trigger for agent %s: %s", agentID, reason)
	})
	if persist != nil {
		rt.router.SetRecordObserver(func(agentID string, env *envelope.Envelope) {
			wire, err := json.Marshal(env)
			if err != nil {
				log.Printf("runtime: marshal envelope %s for C9 record: %v", env.ID, err)
				return
			}
			if err := persist.Record(env.ID, agentID, string(wire)); err != nil {
				log.Printf("runtime: record envelope %s for agent %s: %v", env.ID, agentID, err)
			}
		})
	}
	rt.sched = scheduler.New(func(agentID, alarmID string, fireAt time.Time, payload string) {
		rt.router.DispatchAlarm(context.Background(), agentID, alarmID, fireAt, payload)
	})
	go rt.sched.Run()

	if persist != nil && cfg.PersistRecurring {
		alarms, err := persist.LoadAlarms()
		if err != nil {
			rt.Shutdown(context.Background())
			return nil, fmt.Errorf("%w: load persisted alarms: %v", rerr.ErrConfiguration, err)
		}
		for _, a := range alarms {
			rec := scheduler.Recurrence{Period: a.Period}
			if a.CronExpr != "" {
				if parsed, err := scheduler.ParseCron(a.CronExpr); err == nil {
					rec = parsed
				} else {
					log.Printf("runtime: dropping persisted alarm %s: invalid cron %q: %v", a.AlarmID, a.CronExpr, err)
					continue
				}
			}
			rt.sched.Schedule(a.AgentID, a.AlarmID, a.FireAt, a.Payload, rec)
		}
	}

	if factories == nil {
		factories = BuiltinFactories()
	}
	for _, spec := range manifest.Agents {
		if err := rt.hostAgent(spec, factories); err != nil {
			rt.Shutdown(context.Background())
			return nil, err
		}
	}

	if persist != nil {
		if err := rt.replayUnacked(ctx); err != nil {
			rt.Shutdown(context.Background())
			return nil, err
		}
	}

	if cfg.PersistDir != "" {
		hostedIDs := make([]string, len(rt.hosts))
		for i, h := range rt.hosts {
			hostedIDs[i] = h.ID()
		}
		meta := persistence.Metadata{Version: runtimeVersion, LastBootAt: time.Now().UTC(), HostedAgentIDs: hostedIDs}
		if err := persistence.WriteMetadata(cfg.PersistDir, meta); err != nil {
			log.Printf("runtime: write metadata: %v", err)
		}
	}

	rt.startDispatch()

	rt.control = controlplane.NewServer(controlplane.Deps{
		Registry:             rt.registry,
		Signer:               signer,
		ControlPlaneIdentity: "control-plane",
		MessageKind:          controlPlaneMessageKind,
		InjectTimeout:        5 * time.Second,
		TickSettle:           100 * time.Millisecond,
		MetricsEnabled:       true,
	})
	go func() {
		if err := rt.control.ListenAndServe(cfg.ControlBind); err != nil {
			log.Printf("control plane: server stopped: %v", err)
		}
	}()

	return rt, nil
}

// replayUnacked re-delivers every envelope C9 recorded but never saw
// acked, into its target agent's inbox, once on boot (spec §4.9). The
// target agent's seen-cache (reloaded from its own state envelope as
// part of ensureStateLoaded) is what actually drops duplicates here: a
// tick that completed before the crash already has the envelope_id in
// its published seen-cache, so the replayed Trigger is a no-op.
func (rt *Runtime) replayUnacked(ctx context.Context) error {
	records, err := rt.persistence.Unacked()
	if err != nil {
		return fmt.Errorf("%w: unacked: %v", rerr.ErrConfiguration, err)
	}
	for _, rec := range records {
		h, ok := rt.registry.Get(rec.AgentID)
		if !ok {
			log.Printf("runtime: skipping replay of %s: agent %s not hosted in this manifest", rec.EnvelopeID, rec.AgentID)
			continue
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(rec.Payload), &env); err != nil {
			log.Printf("runtime: skipping replay of %s: decode envelope: %v", rec.EnvelopeID, err)
			continue
		}
		delivered, _ := h.Enqueue(ctx, router.Trigger{Kind: router.TriggerMessage, Envelope: &env}, router.Block, 5*time.Second)
		if !delivered {
			log.Printf("runtime: replay of %s into %s dropped: inbox full", rec.EnvelopeID, rec.AgentID)
		}
	}
	return nil
}

func (rt *Runtime) hostAgent(spec AgentSpec, factories FactoryRegistry) error {
	factory, ok := factories[spec.AgentType]
	if !ok {
		return fmt.Errorf("%w: unknown agent_type %q for agent %s", rerr.ErrConfiguration, spec.AgentType, spec.ID)
	}
	impl, decode, err := factory(spec)
	if err != nil {
		return fmt.Errorf("%w: building agent %s: %v", rerr.ErrConfiguration, spec.ID, err)
	}

	logs := logbuffer.NewBus()
	h := agenthost.New(spec.ID, impl, func(body json.RawMessage) (any, error) {
		return decode(body)
	}, agenthost.Deps{
		Signer:            rt.signer,
		Store:             rt.store,
		Scheduler:         rt.sched,
		Relay:             rt.relay,
		Persistence:       rt.persistence,
		Logs:              logs,
		InboxCapacity:     rt.cfg.InboxCapacity,
		SeenCacheCapacity: rt.cfg.SeenCacheCapacity,
		TickDeadline:      time.Duration(rt.cfg.TickDeadlineSecs) * time.Second,
		IdleHibernateSecs: rt.cfg.IdleHibernateSecs,
		PersistRecurring:  rt.cfg.PersistRecurring,
	})

	rt.router.Register(spec.ID, toEnvelopeFilter(spec.Filter), h, router.Block, 2*time.Second)
	rt.registry.Register(h)
	rt.hosts = append(rt.hosts, h)

	rt.hostWG.Add(1)
	go func() {
		defer rt.hostWG.Done()
		h.Run()
	}()
	return nil
}

func toEnvelopeFilter(f FilterSpec) envelope.Filter {
	var kinds []envelope.Kind
	for _, k := range f.Kinds {
		kinds = append(kinds, envelope.Kind(k))
	}
	return envelope.Filter{Authors: f.Authors, Kinds: kinds, Tags: f.Tags}
}

// startDispatch subscribes to the relay with the Router's union filter
// (computed once every agent has registered) and feeds matching envelopes
// into Router.Dispatch for the life of the Runtime. Re-subscribing on
// every manifest change is out of scope: the manifest is fixed at boot.
func (rt *Runtime) startDispatch() {
	ctx, cancel := context.WithCancel(context.Background())
	rt.dispatchCancel = cancel
	rt.dispatchDone = make(chan struct{})

	union := rt.router.UnionFilter()
	ch, err := rt.relay.Subscribe(ctx, "router-dispatch", []envelope.Filter{union})
	if err != nil {
		log.Printf("runtime: router subscribe failed: %v", err)
		close(rt.dispatchDone)
		return
	}

	go func() {
		defer close(rt.dispatchDone)
		for {
			select {
			case env, ok := <-ch:
				if !ok {
					return
				}
				rt.router.Dispatch(ctx, env)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the control plane, dispatch, every Agent Host and the
// scheduler, then closes the relay connection and persistence store, in
// that order.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.control != nil {
		_ = rt.control.Shutdown(ctx)
	}
	if rt.dispatchCancel != nil {
		rt.dispatchCancel()
		<-rt.dispatchDone
	}
	for _, h := range rt.hosts {
		h.Shutdown()
	}
	rt.hostWG.Wait()
	if rt.sched != nil {
		rt.sched.Stop()
	}
	if rt.relay != nil {
		_ = rt.relay.Disconnect()
	}
	if rt.persistence != nil {
		_ = rt.persistence.Close()
	}
}

func newSigner(cfg *config.Config) (*signing.Service, error) {
	switch cfg.Keystore {
	case config.KeystoreInMemory:
		return signing.New(signing.NewInMemoryKeyStore()), nil
	case config.KeystoreOSKeychain:
		ks, err := signing.NewOSKeychainKeyStore(cfg.KeystoreOSDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rerr.ErrConfiguration, err)
		}
		return signing.New(ks), nil
	case config.KeystoreBroker:
		fetcher := signing.NewHTTPSeedFetcher(cfg.KeystoreBrokerURL)
		return signing.New(signing.NewBrokerKeyStore(fetcher)), nil
	default:
		return nil, fmt.Errorf("%w: unknown keystore kind %d", rerr.ErrConfiguration, cfg.Keystore)
	}
}

// newRelayClient picks a relay.Client implementation from url's scheme.
// "inmemory://" (any suffix, including none) selects the in-process
// InMemory relay used by tests and single-process demos; anything else
// is treated as a bare host:port and dialed with TCPClient, matching
// TCPClient.Connect's own expectation of an address with no scheme.
func newRelayClient(url string) (relay.Client, error) {
	if strings.HasPrefix(url, "inmemory://") || url == "inmemory" {
		return relay.NewInMemory(), nil
	}
	if strings.Contains(url, "://") {
		return nil, fmt.Errorf("unsupported relay URL scheme in %q (use inmemory:// or a bare host:port)", url)
	}
	return relay.NewTCPClient(), nil
}

// relayDialTarget strips the inmemory:// scheme InMemory.Connect ignores
// anyway, and passes a tcp target through unchanged since TCPClient.Connect
// dials it directly as host:port.
func relayDialTarget(url string) string {
	return strings.TrimPrefix(url, "inmemory://")
}
