// Package server assembles the files-manager HTTP stack: a gorilla/mux router
// carrying the api handlers behind a fixed middleware chain of request IDs,
// request logging, auditing, metrics, security headers, login throttling,
// body limits and token authentication.
package server
