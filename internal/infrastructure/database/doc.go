// Package database provides SQLite connectivity for the bridge.
//
// The bridge keeps very little on disk: the fan identity (discovered name
// per address) survives restarts so frames can be addressed correctly even
// when the startup name lookup goes unanswered. There is no state history.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are forward-only *.up.sql files applied in version order.
package database
