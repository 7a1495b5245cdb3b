package store

// SetPageSize changes how many trades ListTrades reads per query.
func (s *SQLiteStore) SetPageSize(n int) { s.pageSize = n }
