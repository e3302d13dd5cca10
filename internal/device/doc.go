// Package device persists what the bridge knows about its fan across
// restarts.
//
// Two SQLite tables back it:
//   - fan_identity maps a fan address to its name, configured or
//     discovered. IdentityRepository is a senseme.NameStore, used when the
//     startup name lookup goes unanswered.
//   - command_history records every command outcome. HistoryRepository is
//     a senseme.Observer and backs GET /api/fan/history.
//
// Timestamps are stored as RFC 3339 UTC text.
package device
