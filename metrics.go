package authcore

import "time"

// MetricID identifies an engine event counter.
type MetricID uint16

const (
	MetricRegisterSuccess MetricID = iota
	MetricRegisterDuplicate
	MetricEmailVerified
	MetricEmailVerificationFailed
	MetricLoginSuccess
	MetricLoginFailure
	MetricLoginUnverified
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogout
	MetricLogoutAll
	MetricPasswordResetRequest
	MetricPasswordResetSuccess
	MetricPasswordResetFailed
	MetricOAuthLogin
	MetricOAuthIdentityCreated
	MetricOAuthLinked
	MetricOAuthUnlinked
	MetricTwoFactorEnabled
	MetricTwoFactorCancelled
	MetricTwoFactorFailure
	MetricBackupCodeUsed
	MetricSessionsSwept
	MetricTwoFactorLocked
	MetricMailThrottled

	metricCount
)

// Operation labels the latency histogram.
type Operation string

const (
	OpRegister       Operation = "register"
	OpVerifyEmail    Operation = "verify_email"
	OpLogin          Operation = "login"
	OpCompleteLogin  Operation = "complete_login"
	OpRefresh        Operation = "refresh"
	OpVerifyAccess   Operation = "verify_access"
	OpLogout         Operation = "logout"
	OpLogoutAll      Operation = "logout_all"
	OpForgotPassword Operation = "forgot_password"
	OpResetPassword  Operation = "reset_password"
	OpOAuthCallback  Operation = "oauth_callback"
	OpTwoFactor      Operation = "two_factor"
)

// Recorder receives engine events. Implementations must be safe for
// concurrent use; the metrics package provides a Prometheus one.
type Recorder interface {
	Inc(id MetricID)
	Add(id MetricID, n int)
	ObserveLatency(op Operation, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) Inc(MetricID)                                   {}
func (nopRecorder) Add(MetricID, int)                              {}
func (nopRecorder) ObserveLatency(Operation, time.Duration, error) {}

// MetricIDs lists every defined MetricID in order.
func MetricIDs() []MetricID {
	out := make([]MetricID, 0, metricCount)
	for id := MetricID(0); id < metricCount; id++ {
		out = append(out, id)
	}
	return out
}
