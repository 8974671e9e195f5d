// Package server hosts the Fiber HTTP service that fronts the application
// origin. It builds the middleware chain (panic recovery, request IDs), sends
// every non-diagnostics request to the offline worker proxy and provides the
// shared upstream http.Client. Diagnostics endpoints live under /-/ and are
// registered by the routes subpackage.
package server
