package providers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Adapter operations, used for metrics, breakers and events.
const (
	OpProcess  = "process"
	OpQuery    = "query"
	OpCallback = "callback"
	OpRefund   = "refund"
)

// Settings bind a provider implementation to one channel.
type Settings struct {
	Code        string
	ServiceType string
	Config      map[string]string
	Transport   *Transport
}

// Constructor builds a provider from channel settings. It returns a
// ConfigError when required credentials are missing.
type Constructor func(s Settings) (Provider, error)

// CallbackParser extracts the platform order number from an unverified
// callback without channel credentials.
type CallbackParser func(cb *CallbackRequest) (string, error)

type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// Registry maps provider codes to constructors. Every provider it hands out
// is wrapped with a per-code circuit breaker, metrics and event publishing.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	parsers      map[string]CallbackParser
	breakers     map[string]*gobreaker.CircuitBreaker[*PaymentResult]

	transport  *Transport
	bus        *Bus
	metrics    *observability.Metrics
	logger     zerolog.Logger
	breakerCfg BreakerConfig
}

func NewRegistry(transport *Transport, bus *Bus, metrics *observability.Metrics, logger zerolog.Logger, cfg BreakerConfig) *Registry {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Registry{
		constructors: make(map[string]Constructor),
		parsers:      make(map[string]CallbackParser),
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*PaymentResult]),
		transport:    transport,
		bus:          bus,
		metrics:      metrics,
		logger:       logger.With().Str("component", "provider-registry").Logger(),
		breakerCfg:   cfg,
	}
}

// RegisterDefaults registers every provider shipped with the gateway.
func (r *Registry) RegisterDefaults() {
	r.Register(CodeEpay, NewEpay)
	r.Register(CodeWxpay, NewWxpay)
	r.Register(CodeStripe, NewStripe)
	r.Register(CodeMock, Shared(NewMockProvider(CodeMock)))

	r.RegisterCallbackParser(CodeEpay, (&Epay{}).CallbackOrderNo)
	r.RegisterCallbackParser(CodeWxpay, (&Wxpay{}).CallbackOrderNo)
	r.RegisterCallbackParser(CodeStripe, (&Stripe{}).CallbackOrderNo)
}

func (r *Registry) RegisterCallbackParser(code string, fn CallbackParser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[code] = fn
}

// CallbackOrderNo reads the platform order number from a callback addressed
// to code. Providers without a registered parser are constructed without
// credentials and asked directly.
func (r *Registry) CallbackOrderNo(code string, cb *CallbackRequest) (string, error) {
	r.mu.RLock()
	parse, hasParser := r.parsers[code]
	construct, known := r.constructors[code]
	r.mu.RUnlock()
	if !known {
		return "", &domainErrors.ProviderError{Kind: domainErrors.ErrServiceNotFound, Provider: code, Op: OpCallback}
	}
	if hasParser {
		return parse(cb)
	}
	p, err := construct(Settings{Code: code, Config: map[string]string{}, Transport: r.transport})
	if err != nil {
		return "", domainErrors.ConfigError(code, "no callback parser registered")
	}
	return p.CallbackOrderNo(cb)
}

func (r *Registry) Register(code string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[code] = c
	r.breakers[code] = gobreaker.NewCircuitBreaker[*PaymentResult](gobreaker.Settings{
		Name:        code,
		MaxRequests: r.breakerCfg.MaxRequests,
		Interval:    r.breakerCfg.Interval,
		Timeout:     r.breakerCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		// Provider rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !domainErrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.SetBreakerState(name, int(to))
			r.logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
}

// Codes lists registered provider codes.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.constructors))
	for code := range r.constructors {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// New constructs the provider registered under code. Unknown codes fail
// with ErrServiceNotFound.
func (r *Registry) New(code, serviceType string, cfg map[string]string) (Provider, error) {
	r.mu.RLock()
	construct, ok := r.constructors[code]
	breaker := r.breakers[code]
	r.mu.RUnlock()
	if !ok {
		return nil, &domainErrors.ProviderError{Kind: domainErrors.ErrServiceNotFound, Provider: code, Op: "resolve"}
	}

	p, err := construct(Settings{Code: code, ServiceType: serviceType, Config: cfg, Transport: r.transport})
	if err != nil {
		if errors.Is(err, domainErrors.ErrConfig) {
			return nil, err
		}
		return nil, domainErrors.ConfigError(code, err.Error())
	}

	return &instrumented{inner: p, breaker: breaker, bus: r.bus, metrics: r.metrics, logger: r.logger}, nil
}

// ForChannel constructs the provider a channel is configured for.
func (r *Registry) ForChannel(ch *channel.Channel) (Provider, error) {
	return r.New(ch.ProviderCode, ch.ProductCode, ch.Config)
}

// instrumented decorates a provider with breaker, metrics and events.
type instrumented struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[*PaymentResult]
	bus     *Bus
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (p *instrumented) ServiceName() string { return p.inner.ServiceName() }
func (p *instrumented) ServiceType() string { return p.inner.ServiceType() }

func (p *instrumented) ValidateParams(req *PaymentRequest) error { return p.inner.ValidateParams(req) }

func (p *instrumented) IsResponseSuccess(raw map[string]any) bool {
	return p.inner.IsResponseSuccess(raw)
}

func (p *instrumented) CallbackOrderNo(cb *CallbackRequest) (string, error) {
	return p.inner.CallbackOrderNo(cb)
}

func (p *instrumented) CallbackAck(ok bool) (string, []byte) { return p.inner.CallbackAck(ok) }

func (p *instrumented) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if err := p.inner.ValidateParams(req); err != nil {
		return nil, err
	}
	return p.call(ctx, OpProcess, req.OrderNo, true, func(ctx context.Context) (*PaymentResult, error) {
		return p.inner.ProcessPayment(ctx, req)
	})
}

func (p *instrumented) QueryPayment(ctx context.Context, req *QueryRequest) (*PaymentResult, error) {
	return p.call(ctx, OpQuery, req.OrderNo, true, func(ctx context.Context) (*PaymentResult, error) {
		return p.inner.QueryPayment(ctx, req)
	})
}

func (p *instrumented) HandleCallback(ctx context.Context, cb *CallbackRequest) (*PaymentResult, error) {
	return p.call(ctx, OpCallback, "", false, func(ctx context.Context) (*PaymentResult, error) {
		return p.inner.HandleCallback(ctx, cb)
	})
}

func (p *instrumented) Refund(ctx context.Context, req *RefundRequest) (*PaymentResult, error) {
	return p.call(ctx, OpRefund, req.OrderNo, true, func(ctx context.Context) (*PaymentResult, error) {
		return p.inner.Refund(ctx, req)
	})
}

func (p *instrumented) call(ctx context.Context, op, orderNo string, outbound bool, fn func(context.Context) (*PaymentResult, error)) (*PaymentResult, error) {
	name := p.inner.ServiceName()
	start := time.Now()

	var (
		result *PaymentResult
		err    error
	)
	if outbound && p.breaker != nil {
		result, err = p.breaker.Execute(func() (*PaymentResult, error) { return fn(ctx) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domainErrors.NetworkError(name, op, err, "")
		}
	} else {
		result, err = fn(ctx)
	}

	p.metrics.ObserveProviderCall(name, op, outcome(result, err), time.Since(start))
	if err != nil {
		p.logger.Warn().Err(err).Str("provider", name).Str("op", op).Str("order_no", orderNo).Msg("Provider call failed")
		if raw := domainErrors.RawBody(err); raw != "" {
			p.logger.Debug().Str("provider", name).Str("op", op).Str("raw", raw).Msg("Provider raw response")
		}
	}

	if evt, ok := eventFor(op, result, err); ok {
		if orderNo == "" && result != nil {
			orderNo = result.Data().Extra[ExtraOrderNo]
		}
		p.bus.Publish(ctx, Event{
			Type:     evt,
			Provider: name,
			Op:       op,
			OrderNo:  orderNo,
			Result:   result,
			Err:      err,
			At:       time.Now(),
		})
	}
	return result, err
}

func outcome(result *PaymentResult, err error) string {
	switch {
	case err == nil && result != nil:
		return string(result.Status())
	case errors.Is(err, domainErrors.ErrNetwork):
		return "network_error"
	case errors.Is(err, domainErrors.ErrBusiness):
		return "rejected"
	case errors.Is(err, domainErrors.ErrInvalidSignature), errors.Is(err, domainErrors.ErrCallbackSource):
		return "unverified"
	case err != nil:
		return "error"
	}
	return "unknown"
}
