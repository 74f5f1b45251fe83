/*
Package rpc provides a client and server for calling named functions in the engine process from a front-end process. It uses WebSockets over a unix socket for message framing, so the only thing the two processes need to agree on is the socket path.

Functions are grouped into collections and addressed by a (collection, function) pair. Arguments and return values are ordered sequences of typed values (see Value).

There are two messages in this protocol: envelopes are sent client->server, and results are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The server registers its collections and then binds the socket with Initialize.
2. The client opens a WebSocket connection at /rpc. The server runs its connect handler before reading anything from the connection.
3. The client sends envelopes. Each envelope carries a unique ID. Envelopes of a single connection are dispatched in order, one at a time.
4. For every envelope that is not one-way, the server sends a result with the same ID. The first value of a result is always the error code.
5. When the connection closes for any reason, the server runs its disconnect handler.

Errors never cross the process boundary as anything other than an error code: unknown functions, argument mismatches and handler panics all produce a result whose first value is a non-Ok code.
*/
package rpc
