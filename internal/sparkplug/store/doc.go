// Package store persists Sparkplug session state in SQLite.
//
// It holds two things:
//   - the bdSeq counter of each edge node, so a restarted process never
//     reuses the value carried by the will of its previous connection
//   - a history of BIRTH messages, written by BirthRecorder from engine
//     events and served by the API
//
// The schema lives in the migrations package; run database.Migrate before
// using a Store.
package store
