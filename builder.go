package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/oauth"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/revocation"
	"github.com/mtracking/authcore/session"
	"github.com/mtracking/authcore/token"
	"github.com/mtracking/authcore/twofactor"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/mtracking/authcore"

// Sealer encrypts secrets at rest: TOTP secrets and provider tokens.
// internal/secretbox provides the XChaCha20-Poly1305 implementation.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	repo      identity.Repository
	registry  revocation.Registry
	sealer    Sealer
	mailer    Mailer
	logger    *zap.Logger
	recorder  Recorder
	audit     AuditSink
	providers OAuthProviders
	tracer    trace.TracerProvider

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration. Start from DefaultConfig.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for sessions, revocation, two-factor
// enrollment and login challenges.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithRepository(repo identity.Repository) *Builder {
	b.repo = repo
	return b
}

// WithRevocationRegistry overrides the Redis registry built from WithRedis.
func (b *Builder) WithRevocationRegistry(registry revocation.Registry) *Builder {
	b.registry = registry
	return b
}

func (b *Builder) WithSealer(sealer Sealer) *Builder {
	b.sealer = sealer
	return b
}

// WithMailer sets the fire-and-forget email sender. Without one, emails are
// only logged at debug level.
func (b *Builder) WithMailer(mailer Mailer) *Builder {
	b.mailer = mailer
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithRecorder(recorder Recorder) *Builder {
	b.recorder = recorder
	return b
}

// WithOAuthProviders enables the authorization-code flow. Without it only
// OAuthCallback with an already fetched profile is available.
func (b *Builder) WithOAuthProviders(providers OAuthProviders) *Builder {
	b.providers = providers
	return b
}

// WithAuditSink sets the destination for security audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.audit = sink
	return b
}

// WithTracerProvider sets the provider for engine spans. The global
// provider is used otherwise.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracer = tp
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("authcore: builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("authcore: redis client required")
	}
	if b.repo == nil {
		return nil, errors.New("authcore: identity repository required")
	}
	if b.sealer == nil {
		return nil, errors.New("authcore: sealer required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := b.recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	tp := b.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	sink := b.audit
	if sink == nil {
		sink = nopAuditSink{}
	}
	mailer := b.mailer
	if mailer == nil {
		mailer = logMailer{log: logger}
	}

	// -------- CREDENTIALS --------
	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, err
	}
	dummyToken, err := password.GenerateToken()
	if err != nil {
		return nil, err
	}
	dummyHash, err := hasher.Hash(dummyToken)
	if err != nil {
		return nil, err
	}

	// -------- TOKENS --------
	registry := b.registry
	if registry == nil {
		registry = revocation.NewRedisRegistry(b.redis, "")
	}
	issuer, err := token.NewIssuer(token.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: cfg.JWT.SigningMethod,
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		KeyID:         cfg.JWT.KeyID,
		RefreshSecret: cfg.JWT.RefreshSecret,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	}, registry)
	if err != nil {
		return nil, err
	}

	// -------- SESSIONS --------
	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.JWT.RefreshTTL)

	// -------- OAUTH --------
	linker := oauth.NewLinker(b.repo, b.sealer, oauth.Policy{
		TrustProviderEmail: cfg.OAuth.TrustProviderEmail,
		DefaultRole:        cfg.OAuth.DefaultRole,
	}, logger.Named("oauth"))

	// -------- TWO-FACTOR --------
	totp := twofactor.DefaultTOTP(cfg.TwoFactor.Issuer)
	twoFactor, err := twofactor.NewManager(
		twofactor.NewStore(b.redis, cfg.Session.RedisPrefix),
		b.repo,
		totp,
		b.sealer,
		twofactor.Policy{
			BackupCodes:            cfg.TwoFactor.BackupCodes,
			EnrollmentTTL:          cfg.TwoFactor.EnrollmentTTL,
			RegenerateSecretOnBack: cfg.TwoFactor.RegenerateSecretOnBack,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("authcore: %w", err)
	}

	b.built = true
	return &Engine{
		config:         cfg,
		hasher:         hasher,
		dummyHash:      dummyHash,
		issuer:         issuer,
		registry:       registry,
		sessions:       sessions,
		repo:           b.repo,
		linker:         linker,
		twoFactor:      twoFactor,
		challenges:     newLoginChallengeStore(b.redis, cfg.Session.RedisPrefix),
		codes:          newCodeLimiter(b.redis, cfg.Session.RedisPrefix, cfg.Limits),
		mails:          newMailLimiter(b.redis, cfg.Session.RedisPrefix, cfg.Limits),
		mailer:         mailer,
		log:            logger,
		metrics:        recorder,
		auditSink:      sink,
		customRegistry: b.registry != nil,
		providers:      b.providers,
		tracer:         tp.Tracer(tracerName),
		now:            time.Now,
	}, nil
}
