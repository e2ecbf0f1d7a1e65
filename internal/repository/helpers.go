package repository

// scannable abstracts pgx.Row so scan helpers work for both QueryRow results
// and individual rows from a Query.
type scannable interface {
	Scan(dest ...any) error
}

// rowsIter abstracts pgx.Rows for the collect helpers.
type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}
