// Package database provides SQLite connectivity for the audit trail.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Applying versioned schema migrations from an fs.FS
//   - Health checks used by the readiness endpoint
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
