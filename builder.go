package xsbus

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern). Every collaborator
// has an explicit in-memory default so a bus only needs a transport.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName  string
	codecInst  Codec
	serializer Serializer

	types         *TypeRegistry
	messageTypes  []any
	handlers      *HandlerRegistry
	activator     Activator
	inspector     PipelineInspector
	router        Router
	subscriptions SubscriptionStore
	sagas         SagaStore

	maxRetries    int
	errorEndpoint Endpoint
	workers       int

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	observerWorkers int
	observerBuffer  int
}

// DefaultErrorEndpoint receives messages that exceeded the retry budget.
const DefaultErrorEndpoint Endpoint = "error"

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	types := NewTypeRegistry()
	return &BusBuilder{
		codecName:       "json",
		types:           types,
		handlers:        NewHandlerRegistry(types),
		inspector:       IdentityInspector{},
		router:          NewStaticRouter(),
		subscriptions:   NewMemorySubscriptionStore(),
		sagas:           NewMemorySagaStore(),
		maxRetries:      DefaultMaxRetries,
		errorEndpoint:   DefaultErrorEndpoint,
		workers:         1,
		ackTimeout:      5 * time.Second,
		observerWorkers: 4,
		observerBuffer:  1000,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithSerializer replaces the envelope serializer. A custom serializer must
// also decode SubscriptionRequest and UnsubscriptionRequest.
func (bb *BusBuilder) WithSerializer(s Serializer) *BusBuilder {
	bb.serializer = s
	return bb
}

// WithMessageTypes registers message shapes so they can be decoded before
// any handler or route mentions them.
func (bb *BusBuilder) WithMessageTypes(samples ...any) *BusBuilder {
	bb.messageTypes = append(bb.messageTypes, samples...)
	return bb
}

// Types returns the type registry shared by the serializer and the default activator.
func (bb *BusBuilder) Types() *TypeRegistry { return bb.types }

// Handlers returns the default activator for handler registration.
func (bb *BusBuilder) Handlers() *HandlerRegistry { return bb.handlers }

// WithHandlers replaces the default handler registry.
func (bb *BusBuilder) WithHandlers(r *HandlerRegistry) *BusBuilder {
	if r != nil {
		bb.handlers = r
		bb.types = r.Types()
	}
	return bb
}

// WithActivator replaces handler resolution entirely.
func (bb *BusBuilder) WithActivator(a Activator) *BusBuilder {
	bb.activator = a
	return bb
}

func (bb *BusBuilder) WithPipelineInspector(p PipelineInspector) *BusBuilder {
	if p != nil {
		bb.inspector = p
	}
	return bb
}

func (bb *BusBuilder) WithRouter(r Router) *BusBuilder {
	if r != nil {
		bb.router = r
	}
	return bb
}

// Route maps messageType to endpoint. It requires the default StaticRouter.
func (bb *BusBuilder) Route(messageType string, endpoint Endpoint) *BusBuilder {
	if sr, ok := bb.router.(*StaticRouter); ok {
		sr.Map(messageType, endpoint)
	}
	return bb
}

func (bb *BusBuilder) WithSubscriptionStore(s SubscriptionStore) *BusBuilder {
	if s != nil {
		bb.subscriptions = s
	}
	return bb
}

func (bb *BusBuilder) WithSagaStore(s SagaStore) *BusBuilder {
	if s != nil {
		bb.sagas = s
	}
	return bb
}

// WithMaxRetries sets the failure count at which a message is moved to the error endpoint.
func (bb *BusBuilder) WithMaxRetries(n int) *BusBuilder {
	if n > 0 {
		bb.maxRetries = n
	}
	return bb
}

func (bb *BusBuilder) WithErrorEndpoint(ep Endpoint) *BusBuilder {
	if ep != "" {
		bb.errorEndpoint = ep
	}
	return bb
}

// WithWorkers sets the worker count used by Start(ctx, 0).
func (bb *BusBuilder) WithWorkers(n int) *BusBuilder {
	if n > 0 {
		bb.workers = n
	}
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer dispatch.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithAckTimeout bounds ack, nack and error forwarding calls.
func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	RegisterType[SubscriptionRequest](bb.types)
	RegisterType[UnsubscriptionRequest](bb.types)
	bb.types.Register(bb.messageTypes...)

	ser := bb.serializer
	if ser == nil {
		ser = NewSerializer(cd, bb.types)
	}
	act := bb.activator
	if act == nil {
		act = bb.handlers
	}

	control := subscriptionHandler{store: bb.subscriptions}
	b := &Bus{
		transport:     tr,
		serializer:    ser,
		router:        bb.router,
		subscriptions: bb.subscriptions,
		sagas:         bb.sagas,
		activator:     act,
		inspector:     bb.inspector,
		failures:      NewFailureTracker(bb.maxRetries, clk),
		clock:         clk,
		logger:        lg,
		middlewares:   bb.middlewares,
		control: map[string]Handler{
			TypeNameOf[SubscriptionRequest]():   control,
			TypeNameOf[UnsubscriptionRequest](): control,
		},
		errorEndpoint:  bb.errorEndpoint,
		ackTimeout:     bb.ackTimeout,
		defaultWorkers: bb.workers,
		observerPool:   NewObserverPool(context.Background(), bb.observerWorkers, bb.observerBuffer),
		baseCtx:        InjectAll(context.Background(), cd, lg, clk, bb.sagas),
		metrics:        &busMetrics{},
	}

	// Attach logging observer first unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
