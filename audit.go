package authcore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditEventType names a security-relevant event.
type AuditEventType string

const (
	AuditLogin             AuditEventType = "login"
	AuditLoginChallenge    AuditEventType = "login_challenge"
	AuditRefreshReuse      AuditEventType = "refresh_reuse"
	AuditLogout            AuditEventType = "logout"
	AuditLogoutAll         AuditEventType = "logout_all"
	AuditSessionRevoked    AuditEventType = "session_revoked"
	AuditEmailVerified     AuditEventType = "email_verified"
	AuditPasswordReset     AuditEventType = "password_reset"
	AuditOAuthLogin        AuditEventType = "oauth_login"
	AuditOAuthUnlinked     AuditEventType = "oauth_unlinked"
	AuditTwoFactorEnabled  AuditEventType = "two_factor_enabled"
	AuditTwoFactorDisabled AuditEventType = "two_factor_disabled"
)

// AuditEvent records one security-relevant outcome. Reason is set on
// failures and never carries secrets.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       AuditEventType    `json:"type"`
	IdentityID string            `json:"identityId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	IP         string            `json:"ip,omitempty"`
	Success    bool              `json:"success"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events. Emit is called on the request path and
// must not block.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type nopAuditSink struct{}

func (nopAuditSink) Emit(context.Context, AuditEvent) {}

// ZapAuditSink writes events as structured log lines.
type ZapAuditSink struct {
	Log *zap.Logger
}

func (s ZapAuditSink) Emit(_ context.Context, event AuditEvent) {
	if s.Log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.Bool("success", event.Success),
		zap.Time("at", event.Timestamp),
	}
	if event.IdentityID != "" {
		fields = append(fields, zap.String("identity_id", event.IdentityID))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	s.Log.Info("audit", fields...)
}

// ChannelSink buffers events for a consumer. Events are dropped when the
// buffer is full.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

func (s *ChannelSink) Emit(_ context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

func (e *Engine) audit(ctx context.Context, event AuditEvent) {
	event.Timestamp = e.now()
	e.auditSink.Emit(ctx, event)
}

// auditReason renders err for an audit record using the taxonomy class and
// the sentinel text only.
func auditReason(err error) string {
	if err == nil {
		return ""
	}
	return string(KindOf(err)) + ": " + err.Error()
}
