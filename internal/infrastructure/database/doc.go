// Package database opens the SQLite file that holds the runner history and
// applies its schema.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations come from the fs.FS passed to Migrate, one pair of files per
// version: YYYYMMDD_HHMMSS_name.up.sql and an optional .down.sql. Schema
// changes only add: new columns are nullable or carry a default, so an
// older binary keeps working against a newer file.
package database
