package db

// InsertResult reports whether an idempotent insert wrote a new row or found
// the natural key already present. AlreadyExists is success of intent.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ResultOf maps the rows affected by an ON CONFLICT DO NOTHING insert.
func ResultOf(rowsAffected int64) InsertResult {
	if rowsAffected > 0 {
		return Inserted
	}
	return AlreadyExists
}
