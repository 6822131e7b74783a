package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/mail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type counterDef struct {
	name string
	help string
}

var counterDefs = map[authcore.MetricID]counterDef{
	authcore.MetricRegisterSuccess:         {"authcore_register_success_total", "Successful registrations."},
	authcore.MetricRegisterDuplicate:       {"authcore_register_duplicate_total", "Registrations rejected because the email exists."},
	authcore.MetricEmailVerified:           {"authcore_email_verified_total", "Consumed email verification tokens."},
	authcore.MetricEmailVerificationFailed: {"authcore_email_verification_failed_total", "Unknown, used or expired verification tokens."},
	authcore.MetricLoginSuccess:            {"authcore_login_success_total", "Successful password logins."},
	authcore.MetricLoginFailure:            {"authcore_login_failure_total", "Failed password logins."},
	authcore.MetricLoginUnverified:         {"authcore_login_unverified_total", "Logins rejected for unverified email."},
	authcore.MetricRefreshSuccess:          {"authcore_refresh_success_total", "Successful refresh rotations."},
	authcore.MetricRefreshFailure:          {"authcore_refresh_failure_total", "Failed refresh attempts."},
	authcore.MetricRefreshReuseDetected:    {"authcore_refresh_reuse_detected_total", "Revoked refresh tokens presented again."},
	authcore.MetricSessionCreated:          {"authcore_session_created_total", "Created sessions."},
	authcore.MetricSessionRevoked:          {"authcore_session_revoked_total", "Sessions removed by logout, revocation or reuse."},
	authcore.MetricLogout:                  {"authcore_logout_total", "Single-session logouts."},
	authcore.MetricLogoutAll:               {"authcore_logout_all_total", "Logout-all operations."},
	authcore.MetricPasswordResetRequest:    {"authcore_password_reset_request_total", "Password reset requests for existing accounts."},
	authcore.MetricPasswordResetSuccess:    {"authcore_password_reset_success_total", "Completed password resets."},
	authcore.MetricPasswordResetFailed:     {"authcore_password_reset_failed_total", "Rejected password reset tokens."},
	authcore.MetricOAuthLogin:              {"authcore_oauth_login_total", "Logins through an OAuth provider."},
	authcore.MetricOAuthIdentityCreated:    {"authcore_oauth_identity_created_total", "Identities created from a provider profile."},
	authcore.MetricOAuthLinked:             {"authcore_oauth_linked_total", "Provider accounts linked to an existing identity."},
	authcore.MetricOAuthUnlinked:           {"authcore_oauth_unlinked_total", "Removed provider links."},
	authcore.MetricTwoFactorEnabled:        {"authcore_two_factor_enabled_total", "Completed two-factor enrollments."},
	authcore.MetricTwoFactorCancelled:      {"authcore_two_factor_cancelled_total", "Cancelled two-factor enrollments."},
	authcore.MetricTwoFactorFailure:        {"authcore_two_factor_failure_total", "Rejected two-factor codes."},
	authcore.MetricBackupCodeUsed:          {"authcore_backup_code_used_total", "Consumed backup codes."},
	authcore.MetricSessionsSwept:           {"authcore_sessions_swept_total", "Dangling session references removed by the sweeper."},
	authcore.MetricTwoFactorLocked:         {"authcore_two_factor_locked_total", "Two-factor checks refused after too many wrong codes."},
	authcore.MetricMailThrottled:           {"authcore_mail_throttled_total", "Verification or reset emails skipped over the per-address budget."},
}

// Collector records engine, mail and HTTP metrics into a Prometheus registry.
// It implements authcore.Recorder and mail.Observer.
type Collector struct {
	counters    map[authcore.MetricID]prometheus.Counter
	latency     *prometheus.HistogramVec
	mailSent    *prometheus.CounterVec
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

var (
	_ authcore.Recorder = (*Collector)(nil)
	_ mail.Observer     = (*Collector)(nil)
)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		counters: make(map[authcore.MetricID]prometheus.Counter, len(counterDefs)),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authcore_operation_duration_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		mailSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_mail_sent_total",
			Help: "Email delivery attempts by kind and result.",
		}, []string{"kind", "result"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authcore_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{c.latency, c.mailSent, c.httpTotal, c.httpLatency}
	for _, id := range authcore.MetricIDs() {
		def, ok := counterDefs[id]
		if !ok {
			continue
		}
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: def.name, Help: def.help})
		c.counters[id] = counter
		collectors = append(collectors, counter)
	}
	reg.MustRegister(collectors...)
	return c
}

// Inc increments the counter for id. Unknown ids are ignored.
func (c *Collector) Inc(id authcore.MetricID) {
	c.Add(id, 1)
}

// Add adds n to the counter for id.
func (c *Collector) Add(id authcore.MetricID, n int) {
	if counter, ok := c.counters[id]; ok && n > 0 {
		counter.Add(float64(n))
	}
}

// ObserveLatency records how long op took.
func (c *Collector) ObserveLatency(op authcore.Operation, d time.Duration, err error) {
	c.latency.WithLabelValues(string(op), result(err)).Observe(d.Seconds())
}

// MailSent records one delivery attempt.
func (c *Collector) MailSent(kind mail.Kind, err error) {
	c.mailSent.WithLabelValues(string(kind), result(err)).Inc()
}

// ObserveHTTP records one served request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Describe returns the exported name and help text of id.
func Describe(id authcore.MetricID) (name, help string, ok bool) {
	def, ok := counterDefs[id]
	return def.name, def.help, ok
}

// Tee fans engine metrics out to several recorders.
func Tee(recorders ...authcore.Recorder) authcore.Recorder {
	return tee(recorders)
}

type tee []authcore.Recorder

func (t tee) Inc(id authcore.MetricID) {
	for _, r := range t {
		r.Inc(id)
	}
}

func (t tee) Add(id authcore.MetricID, n int) {
	for _, r := range t {
		r.Add(id, n)
	}
}

func (t tee) ObserveLatency(op authcore.Operation, d time.Duration, err error) {
	for _, r := range t {
		r.ObserveLatency(op, d, err)
	}
}
