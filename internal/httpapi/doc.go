// Package httpapi is the gin transport for authcore.
//
// Handlers translate JSON requests and the refresh cookie into Engine calls
// and map the error taxonomy to HTTP status codes in one place
// (respondError). No authentication decision is made here.
package httpapi
