// Package broker issues short-lived provider credentials to authenticated
// callers so clients never see the server secret.
package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/ratelimit"
)

// Credential is a short-lived provider credential bound to one session config.
type Credential struct {
	Value     string          `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
	Model     string          `json:"model,omitempty"`
	Voice     character.Voice `json:"voice"`
}

// Issuer is satisfied by the in-process Broker and the HTTP Client.
type Issuer interface {
	Issue(ctx context.Context, callerCredential string, profile character.Profile) (Credential, error)
}

// Minter creates a provider session for cfg and returns its ephemeral credential.
type Minter interface {
	Mint(ctx context.Context, cfg character.SessionConfig) (Credential, error)
}

const DefaultIssueTimeout = 5 * time.Second

type Broker struct {
	validator auth.Validator
	minter    Minter
	builder   *character.Builder
	limiter   ratelimit.Limiter
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

type Option func(*Broker)

func WithBuilder(b *character.Builder) Option { return func(br *Broker) { br.builder = b } }

// WithLimiter bounds issuance per caller. A nil limiter disables the bound.
func WithLimiter(l ratelimit.Limiter) Option { return func(br *Broker) { br.limiter = l } }

func WithTimeout(d time.Duration) Option {
	return func(br *Broker) {
		if d > 0 {
			br.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(br *Broker) { br.logger = observability.OrNop(l) } }

func WithMetrics(m *observability.Metrics) Option { return func(br *Broker) { br.metrics = m } }

func New(validator auth.Validator, minter Minter, opts ...Option) (*Broker, error) {
	if validator == nil {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "credential broker requires a caller validator")
	}
	if minter == nil {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "credential broker requires a provider client")
	}
	b := &Broker{
		validator: validator,
		minter:    minter,
		builder:   character.NewBuilder(character.Options{}),
		timeout:   DefaultIssueTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Issue validates the caller, sanitizes the profile and mints a credential
// whose provider session is already configured for the character. The caller
// is validated before anything else touches the provider.
func (b *Broker) Issue(ctx context.Context, callerCredential string, profile character.Profile) (Credential, error) {
	start := time.Now()
	callerID, cred, err := b.issue(ctx, callerCredential, profile)

	outcome := "ok"
	fields := []zap.Field{
		zap.String("caller_id", callerID),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		outcome = string(bridgeerr.KindOf(err))
		fields = append(fields, zap.String("kind", outcome), zap.Error(err))
		b.logger.Warn("credential issue rejected", fields...)
	} else {
		fields = append(fields, zap.String("voice", string(cred.Voice)), zap.Time("expires_at", cred.ExpiresAt))
		b.logger.Info("credential issued", fields...)
	}
	b.metrics.CredentialIssued(outcome, time.Since(start))
	return cred, err
}

func (b *Broker) issue(ctx context.Context, token string, profile character.Profile) (string, Credential, error) {
	callerID, err := b.validator.ValidateCredential(ctx, token)
	if err != nil {
		switch bridgeerr.KindOf(err) {
		case bridgeerr.KindUnauthorized, bridgeerr.KindUpstreamUnavailable:
			return "", Credential{}, err
		default:
			return "", Credential{}, bridgeerr.Wrap(bridgeerr.KindUnauthorized, "validate", err)
		}
	}

	clean, err := character.Sanitize(profile)
	if err != nil {
		return callerID, Credential{}, err
	}

	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, callerID)
		switch {
		case err != nil:
			b.logger.Warn("rate limiter unavailable, allowing", zap.String("caller_id", callerID), zap.Error(err))
		case !allowed:
			return callerID, Credential{}, bridgeerr.New(bridgeerr.KindRateLimited, "too many credential requests")
		}
	}

	cfg := b.builder.Build(clean)

	mintCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	cred, err := b.minter.Mint(mintCtx, cfg)
	if err != nil {
		if errors.Is(mintCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, bridgeerr.ErrUpstreamUnavailable) {
			err = bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "session_create", err)
		}
		b.metrics.ProviderError("session_create", string(bridgeerr.KindOf(err)))
		return callerID, Credential{}, err
	}
	if cred.Voice == "" {
		cred.Voice = cfg.Voice
	}
	return callerID, cred, nil
}
