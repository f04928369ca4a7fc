// Package health projects queue connectivity into health reports.
//
// CheckHealth is "healthy" exactly when the connection probe reports an open
// connection at call time, and "degraded" otherwise. Liveness is always
// "alive". Handler exposes both as JSON over HTTP.
package health
