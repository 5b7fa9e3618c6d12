package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/oppihq/oppid/internal/config"
	"github.com/oppihq/oppid/internal/engine"
	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/internal/gate"
	"github.com/oppihq/oppid/internal/policy"
	"github.com/oppihq/oppid/internal/turns"
	"github.com/oppihq/oppid/pkg/protocol"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Registry creates and tracks sessions. Terminal sessions stay resolvable
// until their catch-up TTL so reconnecting clients can drain the ring.
type Registry struct {
	cfg     *config.Config
	pol     *policy.Engine
	factory engine.Factory
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry with an engine factory. The factory runs
// once per Create.
func NewRegistry(cfg *config.Config, pol *policy.Engine, factory engine.Factory) *Registry {
	return &Registry{
		cfg:      cfg,
		pol:      pol,
		factory:  factory,
		log:      slog.With("component", "supervisor"),
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session: instantiate the engine with the gate bound
// to its intercept hook, start the scheduler and the translation loop, and
// publish the starting state as the stream's first event.
func (r *Registry) Create(ctx context.Context, workspaceID, model string) (*Session, error) {
	if model == "" {
		model = r.cfg.Engine.Model
	}
	id := uuid.NewString()
	sctx, scancel := context.WithCancel(context.Background())

	broker := fanout.New(id, fanout.Options{
		MaxEvents: r.cfg.Sessions.EventRingSize,
		MaxBytes:  r.cfg.Sessions.EventRingBytes,
		QueueSize: r.cfg.Sessions.SubscriberQueue,
	})
	s := &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		CreatedAt:   time.Now().UTC(),
		broker:      broker,
		log:         slog.With("component", "supervisor", "session", id),
		tracer:      otel.Tracer("oppid/supervisor"),
		cancel:      scancel,
		idleTimeout: r.cfg.Sessions.IdleTimeout(),
		readyCh:     make(chan struct{}),
		loopDone:    make(chan struct{}),
		status:      protocol.StatusStarting,
		meta:        meta{model: model, contextSize: r.cfg.Engine.ContextWindow, lastActivity: time.Now().UTC()},
	}
	s.gate = gate.New(gate.Options{
		SessionID:     id,
		WorkspaceID:   workspaceID,
		AskTimeout:    r.cfg.Gate.AskTimeout(),
		NoClientGrace: r.cfg.Gate.NoClientGrace(),
	}, r.pol, broker)
	broker.SetPresenceFunc(s.onPresence)

	eng, err := r.factory(ctx, engine.Config{
		SessionID:     id,
		WorkspaceID:   workspaceID,
		Model:         model,
		Workspace:     r.cfg.Engine.Workspace,
		LogDir:        r.cfg.Engine.LogDir,
		ContextWindow: r.cfg.Engine.ContextWindow,
		Intercept:     s.gate.Intercept,
	})
	if err != nil {
		scancel()
		return nil, fmt.Errorf("engine start: %w", err)
	}
	s.eng = eng
	s.sched = turns.New(id, broker, s)
	s.sched.Start(sctx)
	go s.eventLoop()

	s.PublishState()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.log.Info("session.created", "session", id, "workspace", workspaceID, "model", model)
	return s, nil
}

// Get resolves a session id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns session summaries, oldest first.
func (r *Registry) List() []protocol.SessionSummary {
	r.mu.Lock()
	out := make([]protocol.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// StopAll stops every live session concurrently. Used on server shutdown.
func (r *Registry) StopAll(cause string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop(cause)
		}(s)
	}
	wg.Wait()
}

// Sweep prunes terminal sessions past their TTL until ctx is canceled.
func (r *Registry) Sweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.prune(now)
		}
	}
}

func (r *Registry) prune(now time.Time) {
	ttl := r.cfg.Sessions.StoppedTTL()
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.Terminal() && now.Sub(s.stoppedSince()) > ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Broker().CloseAll()
		r.pol.DropSession(s.ID)
		r.log.Info("session.pruned", "session", s.ID)
	}
}
