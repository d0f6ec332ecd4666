package storedb

// Stats is a snapshot of the database's transaction counters.
type Stats struct {
	ReadTxns    uint64 // read-only transactions begun
	WriteTxns   uint64 // writable transactions begun
	Commits     uint64
	Rollbacks   uint64 // writable transactions rolled back
	OpenReaders int64
	OpenWriters int64

	// Size is the file size observed at the last commit (0 in memory).
	Size int64
}

func (db *DB) Stats() Stats {
	return Stats{
		ReadTxns:    db.ReadCount.Load(),
		WriteTxns:   db.WriteCount.Load(),
		Commits:     db.CommitCount.Load(),
		Rollbacks:   db.AbortCount.Load(),
		OpenReaders: db.ReaderCount.Load(),
		OpenWriters: db.WriterCount.Load(),
		Size:        db.lastSize.Load(),
	}
}
