package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/jsonx"
)

const drainWindow = 10 * time.Second

// Config sets queue depth, worker count, and external delivery policy.
type Config struct {
	QueueSize        int
	Workers          int
	MaxRetries       int
	RequestTimeout   time.Duration
	BreakerThreshold uint32
	BreakerReset     time.Duration

	// AccessURL receives node-access events. MutationURLs receive node
	// mutations. Empty values disable the external leg for that family.
	AccessURL    string
	MutationURLs []string
}

func DefaultConfig() Config {
	return Config{
		QueueSize:        10000,
		Workers:          3,
		MaxRetries:       3,
		RequestTimeout:   5 * time.Second,
		BreakerThreshold: 10,
		BreakerReset:     time.Minute,
	}
}

// Handler consumes events in-process. Handlers run on dispatch workers,
// so a slow handler stalls one worker; hand off and return instead.
type Handler func(Event) error

// EventJournal appends dispatched events to a durable log.
type EventJournal interface {
	Publish(groupID string, payload []byte) error
	Close()
}

// Dispatcher fans events out from a bounded queue. One bad receiver,
// internal or external, never blocks the others.
type Dispatcher struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	events  chan Event
	sender  *webhookSender
	journal EventJournal

	hmu      sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewDispatcher builds a dispatcher. journal may be nil to disable the
// JetStream leg.
func NewDispatcher(cfg Config, journal EventJournal, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dispatch")
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		events:   make(chan Event, cfg.QueueSize),
		sender:   newWebhookSender(cfg, metrics, logger),
		journal:  journal,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run(i)
	}
	d.logger.Info("Event dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queueSize", cap(d.events)))
}

// Stop drains queued events for up to drainWindow, then cuts the workers
// off and closes the journal.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	deadline := time.NewTimer(drainWindow)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for len(d.events) > 0 {
		select {
		case <-deadline.C:
			d.logger.Warn("Stopping with undelivered events",
				zap.Int("remaining", len(d.events)))
			break drain
		case <-tick.C:
		}
	}

	d.cancel()
	d.wg.Wait()
	if d.journal != nil {
		d.journal.Close()
	}
	d.logger.Info("Event dispatcher stopped")
}

// AddHandler registers a named in-process consumer. Registering an
// existing name replaces it, which makes registration live-reloadable.
func (d *Dispatcher) AddHandler(name string, h Handler) {
	d.hmu.Lock()
	d.handlers[name] = h
	d.hmu.Unlock()
	d.logger.Info("Event handler registered", zap.String("handler", name))
}

// RemoveHandler deregisters a named consumer.
func (d *Dispatcher) RemoveHandler(name string) {
	d.hmu.Lock()
	delete(d.handlers, name)
	d.hmu.Unlock()
}

// EmitNodeAccess announces that a read path touched the named nodes.
// Non-blocking; a full queue drops the event.
func (d *Dispatcher) EmitNodeAccess(groupID string, nodeIDs []string, accessType, query string) {
	if len(nodeIDs) == 0 {
		return
	}
	d.enqueue(NewNodeAccess(groupID, nodeIDs, accessType, query))
}

// EmitNodeMutation announces committed graph changes. The signature
// matches the worker's event sink.
func (d *Dispatcher) EmitNodeMutation(groupID, episodeUUID string, nodeUUIDs, edgeUUIDs []string) {
	op := OpAddEpisode
	if episodeUUID == "" {
		if len(edgeUUIDs) > 0 {
			op = OpAddRelationship
		} else {
			op = OpAddEntity
		}
	}
	d.enqueue(NewNodeMutation(groupID, op, episodeUUID, nodeUUIDs, edgeUUIDs))
}

// Snapshot merges counters with live queue depth and breaker status.
func (d *Dispatcher) Snapshot() map[string]interface{} {
	out := d.metrics.Snapshot()
	out["queue_size"] = len(d.events)
	out["circuits_open"] = d.sender.openCircuits()
	return out
}

func (d *Dispatcher) enqueue(ev Event) {
	select {
	case d.events <- ev:
		d.metrics.emitted.Add(1)
		d.metrics.noteQueueDepth(len(d.events))
	default:
		d.metrics.dropped.Add(1)
		d.logger.Warn("Event queue full, dropping event",
			zap.String("kind", ev.Kind),
			zap.String("groupID", ev.GroupID))
	}
}

func (d *Dispatcher) run(id int) {
	defer d.wg.Done()
	d.logger.Debug("Dispatch worker started", zap.Int("worker", id))
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

// dispatch fans one event out. Internal handlers always run; external
// deliveries go through the per-URL breakers; the journal leg records
// failures without affecting the others.
func (d *Dispatcher) dispatch(ev Event) {
	payload, err := jsonx.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	d.hmu.RLock()
	handlers := make(map[string]Handler, len(d.handlers))
	for name, h := range d.handlers {
		handlers[name] = h
	}
	d.hmu.RUnlock()
	for name, h := range handlers {
		d.invoke(name, h, ev)
	}

	for _, url := range d.urlsFor(ev.Kind) {
		d.sender.send(d.ctx, url, payload)
	}

	if d.journal != nil {
		if err := d.journal.Publish(ev.GroupID, payload); err != nil {
			d.metrics.journalFailures.Add(1)
			d.logger.Warn("Journal publish failed", zap.Error(err))
		}
	}
}

func (d *Dispatcher) invoke(name string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.handlerFailures.Add(1)
			d.logger.Error("Panic in event handler",
				zap.String("handler", name),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()
	if err := h(ev); err != nil {
		d.metrics.handlerFailures.Add(1)
		d.logger.Error("Event handler failed",
			zap.String("handler", name),
			zap.Error(err))
	}
}

func (d *Dispatcher) urlsFor(kind string) []string {
	switch kind {
	case KindNodeAccess:
		if d.cfg.AccessURL == "" {
			return nil
		}
		return []string{d.cfg.AccessURL}
	case KindNodeMutation:
		return d.cfg.MutationURLs
	default:
		return nil
	}
}
