package authcore

import (
	"testing"

	"github.com/mtracking/authcore/token"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSecurityReport(t *testing.T) {
	f := newTestEngine(t, func(c *Config) { c.Limits.MaxEmailsPerWindow = 0 })

	r := f.engine.SecurityReport()
	require.Equal(t, string(token.MethodEdDSA), r.SigningAlgorithm)
	require.Equal(t, token.DefaultAccessTTL, r.AccessTTL)
	require.Equal(t, token.DefaultRefreshTTL, r.RefreshTTL)
	require.NotEmpty(t, r.KeyID)
	require.Equal(t, uint32(8*1024), r.Argon2.Memory)
	require.True(t, r.RevokeOnReuse)
	require.True(t, r.CodeLockoutActive)
	require.False(t, r.MailThrottleActive)
	require.True(t, r.CustomAuditSink)
	require.False(t, r.CustomRevocationStore)
	require.Empty(t, r.OAuthProviders)

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("engine ready", r.Field())
	entry := logs.All()[0]
	security, ok := entry.ContextMap()["security"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(token.MethodEdDSA), security["signing_alg"])
	require.Equal(t, false, security["mail_throttle"])
}

func TestSecurityReportNilEngine(t *testing.T) {
	var e *Engine
	require.Equal(t, SecurityReport{}, e.SecurityReport())
}
