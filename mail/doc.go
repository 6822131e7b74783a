// Package mail delivers verification and password-reset emails.
//
// Delivery is best effort: the Dispatcher hands messages to a Sender on a
// background worker and logs failures instead of returning them, so a mail
// outage never fails registration or a reset request.
package mail
