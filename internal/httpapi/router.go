package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore/internal/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RouterOptions carries the transport concerns around the handlers. Every
// field is optional.
type RouterOptions struct {
	ServiceName    string
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	Observer       HTTPObserver
	Metrics        http.Handler
	Limiter        *ratelimit.PerClient
}

// NewRouter wires gin routes and middleware.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(opts.Logger))
	if opts.Observer != nil {
		r.Use(Observe(opts.Observer))
	}
	if opts.ServiceName != "" {
		var otelOpts []otelgin.Option
		if opts.TracerProvider != nil {
			otelOpts = append(otelOpts, otelgin.WithTracerProvider(opts.TracerProvider))
		}
		r.Use(otelgin.Middleware(opts.ServiceName, otelOpts...))
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/.well-known/jwks.json", h.JWKS)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	auth := r.Group("/auth")
	if opts.Limiter != nil {
		auth.Use(Throttle(opts.Limiter))
	}
	{
		auth.POST("/register", h.Register)
		auth.POST("/verify-email", h.VerifyEmail)
		auth.POST("/resend-verification", h.ResendVerification)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
		auth.POST("/forgot-password", h.ForgotPassword)
		auth.POST("/reset-password", h.ResetPassword)
		auth.POST("/2fa/login", h.CompleteLogin)

		auth.GET("/oauth/providers", h.OAuthProviders)
		auth.GET("/oauth/:provider", h.OAuthStart)
		auth.GET("/oauth/:provider/callback", h.OAuthCallback)

		private := auth.Group("", h.requireAuth)
		private.GET("/me", h.Me)
		private.POST("/logout-all", h.LogoutAll)
		private.GET("/sessions", h.Sessions)
		private.DELETE("/sessions/:id", h.RevokeSession)
		private.GET("/oauth/links", h.LinkedAccounts)
		private.DELETE("/oauth/links/:provider", h.Unlink)

		twoFactor := private.Group("/2fa")
		twoFactor.GET("/status", h.TwoFactorStatus)
		twoFactor.POST("/begin", h.BeginTwoFactor)
		twoFactor.POST("/proceed", h.ProceedTwoFactor)
		twoFactor.POST("/verify", h.VerifyTwoFactor)
		twoFactor.POST("/back", h.BackTwoFactor)
		twoFactor.POST("/confirm", h.ConfirmTwoFactor)
		twoFactor.POST("/cancel", h.CancelTwoFactor)
		twoFactor.POST("/disable", h.DisableTwoFactor)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{"not_found", "No such route."})
	})
	return r
}
