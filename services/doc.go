/*
# Settlement Services Package

The services package wraps the protocol core with HTTP APIs and the glue a
running deployment needs: persistence, authentication, event streaming and
the settlement trigger loop.

## Components

### EngineService (`engine_service.go`)

The main service. Owns the protocol core (registry, engine, ledger,
withdrawal coordinator, decryption router) and exposes:

  - `POST /api/deposit` - credit the encrypted deposit balance (JWT)
  - `POST /api/orders` - submit a recurring order (JWT)
  - `GET  /api/account` - own lifecycle and pending withdrawal (JWT)
  - `POST /api/withdrawals` - initiate withdrawal (JWT)
  - `DELETE /api/withdrawals` - cancel a pending withdrawal (JWT)
  - `GET  /status`, `/batches/{id}/result`, `/orders/{id}` - dashboard
    reads, CORS-enabled
  - `GET  /events` - websocket feed of finalized batch results
  - `POST /decryption-callback` - inbound keyholder fulfillments
  - `POST /admin/...` - pause, automation, token issuance (basic auth)

### KeyholderService (`keyholder_service.go`)

The decryptd side: holds the vault key, opens sealed values, signs results
and calls the engine back. Serves its attestation and public key so the
engine can pin them.

### VenueService (`venue_service.go`)

Demo oracle and market for local deployments. `HTTPOracle` and
`HTTPMarket` (`venue_client.go`) are the engine-side clients.

### TriggerLoop (`trigger.go`)

Periodic check/perform pair driving settlement. The check is a read-only
probe; the perform re-validates everything because time passes between the
two.

### Store (`store.go`)

Append-only persistence for orders, batch results and lifecycle events.
PostgresStore for deployments, InMemoryStore for tests.

### Orchestrator (`orchestrator.go`)

Wires engine, keyholder and venue together in-process for demos and e2e
tests.

## Security Model

Inbound fulfillments are verified by AttestedVerifier: Ed25519 signature,
then signer identity against the attested keyholder key, then DCAP
measurements against the operator-pinned policy. User endpoints require a
JWT bound to the owner id. Admin endpoints use basic auth the same way the
registry admin surface of a TEE deployment does.
*/
package services
