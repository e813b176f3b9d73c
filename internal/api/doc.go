// Package api exposes the HTTP surface: the streaming chat endpoint,
// conversation management, and pending-transaction status queries.
package api
