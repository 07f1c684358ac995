/*
Package client provides a Go client library for the control plane's REST API.

The client wraps the control plane's /api/v1 surface with a small,
idiomatic Go interface: connection setup, an {type, error} error envelope
decoder, and one method per route. It carries no domain logic of its
own: every call is a direct HTTP round trip, and the control plane remains
the single source of truth for environment state.

	client := client.NewClient("http://localhost:8080", "")
	env, err := client.Apply(ctx, "e1", specReader, client.ApplyOptions{})

Bearer authentication is optional today: the control plane does not yet
require a valid JWT on the operator surface (only on agent connect, via
pkg/security). NewClient still
accepts a token so callers fronting the API with their own auth proxy, or a
future version of the control plane that does enforce it, do not need a
breaking API change.
*/
package client
