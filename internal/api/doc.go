// Package api hosts the HTTP handlers of the files-manager REST API.
//
// Handlers receive every collaborator through Config: the token manager,
// credential store, file repository, access controller, blob store and the
// thumbnail queue. The package keeps no globals so each endpoint can be
// exercised against in-memory backends.
//
// Authentication is resolved by the middleware in internal/server, which
// stores the caller on the request context. Handlers read it back with
// UserFromContext and never look at the X-Token header themselves, except for
// AuthenticateRequest which the middleware calls.
package api
