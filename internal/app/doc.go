// Package app provides the application service layer.
//
// Orchestrates the queue use cases: check-in admission, consultation start/end, cancellation,
// orphan promotion, effective queue views and patron status. Sits between the HTTP/realtime
// layers and the domain ports; every mutation funnels through Service so position assignment
// stays serialised per provider.
package app
