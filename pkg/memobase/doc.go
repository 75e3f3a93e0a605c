// Package memobase is a client for a Memobase-compatible memory service.
//
// Invariants:
// - All requests carry the project API key as a bearer token.
// - Server errors are surfaced as Go errors; the client never retries.
// - A UserHandle is only valid for the client that produced it.
//
// Usage:
//
//	client := memobase.NewHTTPClient(memobase.Config{BaseURL: "http://localhost:8019", APIKey: "secret"})
//	id, _ := client.AddUser(ctx, map[string]string{"source": "homeassistant"})
//	user, _ := client.GetUser(ctx, id)
//	_ = user.Insert(ctx, memobase.ChatBlob{Messages: []memobase.Message{{Role: "user", Content: "hi"}}})
package memobase
