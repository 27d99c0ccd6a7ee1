package mvcc

// Scanner is used for reading multiple sequential key/value pairs of one table. It walks the ordered key index and
// reads each key through a View, skipping keys with no visible version.
// Invariant: either the scanner is finished and cannot be used, or it is ready to return a value immediately.
type Scanner struct {
	store *Store
	table uint32
	keys  [][]byte
	pos   int
	view  View
	// BeforeRead runs before each key is read, e.g. to lock it. An error ends the scan.
	BeforeRead func(key []byte) error
}

// NewScanner creates a scanner over the keys of table in [start, end) as indexed when the scanner is created. A
// nil end is unbounded.
func (s *Store) NewScanner(table uint32, start, end []byte, view View) *Scanner {
	keys, _ := s.Keys(table, start, end)
	return &Scanner{store: s, table: table, keys: keys, view: view}
}

// Next returns the next key/value pair from the scanner. If the scanner is exhausted, then it will return `nil, nil, nil`.
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for scan.pos < len(scan.keys) {
		key := scan.keys[scan.pos]
		scan.pos++
		if scan.BeforeRead != nil {
			if err := scan.BeforeRead(key); err != nil {
				scan.pos = len(scan.keys)
				return nil, nil, err
			}
		}
		value, found, err := scan.store.Read(RowKey{Table: scan.table, Key: key}, scan.view)
		if err != nil {
			scan.pos = len(scan.keys)
			return nil, nil, err
		}
		if found {
			return key, value, nil
		}
	}
	return nil, nil, nil
}

// Keys returns the keys the scanner walks over.
func (scan *Scanner) Keys() [][]byte {
	return scan.keys
}
