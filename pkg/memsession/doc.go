// Package memsession manages a lazily established session against the
// remote memory service and exposes the per-turn memory operations on it.
//
// Invariants:
// - At most one connect sequence runs at a time; concurrent callers
//   converge on a single connection outcome.
// - Once connected, the user handle stays valid until process end.
// - Operations never propagate remote errors; callers see false or ""
//   and must treat those as "memory unavailable this turn".
//
// Usage:
//
//	mgr := memsession.NewManager(memsession.Config{Client: client})
//	mgr.StoreConversation(ctx, "hi", "hello there", "Assistant")
//	profile := mgr.GetUserProfile(ctx, 500, nil)
//	_ = profile
package memsession
