package changes

// Reconcile back-fills values that only exist after the write: generated
// primary keys, foreign keys pointing at freshly inserted rows, and the
// connection bound during execution.
//
// A column the entry can no longer look up keeps its captured value. A nil
// foreign key is skipped, since some sessions clear foreign keys of deleted
// rows while saving.
func Reconcile(r *Report, s Session) {
	if r == nil {
		return
	}
	for _, ee := range r.Entries {
		if ee.entry == nil {
			continue
		}
		for col := range ee.PrimaryKey {
			v, ok := ee.entry.Lookup(col)
			if !ok {
				continue
			}
			ee.PrimaryKey[col] = v
			ee.patch(col, v)
		}
		for _, col := range ee.fkColumns {
			v, ok := ee.entry.Lookup(col)
			if !ok || v == nil {
				continue
			}
			ee.patch(col, v)
		}
	}

	if id := s.ConnectionID(); id != "" {
		r.ConnectionID = id
	}
	if !r.excludeTransactionID {
		if id := s.TransactionID(); id != "" {
			r.TransactionID = id
		}
	}
}

// patch overwrites col in the snapshot and the new side of its change, when
// present. The value goes through the same property rules as at capture.
func (e *EntityEvent) patch(col string, v any) {
	if fn, ok := e.render[col]; ok {
		v = fn(v)
	}
	if _, ok := e.ColumnValues[col]; ok {
		e.ColumnValues[col] = v
	}
	for i := range e.Changes {
		if e.Changes[i].Column == col {
			e.Changes[i].New = v
		}
	}
}
