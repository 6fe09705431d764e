// Package database is the SQLite layer under sparkplugd's session store.
//
// A DB is opened from the database section of the configuration, pinned to
// a single connection, and migrated from the SQL files the migrations
// package registers:
//
//	db, err := database.Open(database.Config{Path: "/var/lib/sparkplugd/state.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Every statement in the module is parameterised, and the database file is
// restricted to its owner.
package database
