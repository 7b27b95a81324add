package index

// Merge streams the sorted union of an existing index and a freshly
// written delta into out. Both inputs are walked once in file order;
// the result preserves the total order invariant by construction.
//
// Per path: only in old → copied through (deletion flags and all); only
// in delta → the new entry; in both → the delta entry wins every mutable
// attribute, except that the old entry's hash and validity bit survive
// when the recorded stat is bitwise unchanged, so unchanged files are
// never rehashed.
func Merge(out *Writer, old, delta *Reader, checkDevice bool) error {
	oldIt := old.Forward()
	deltaIt := delta.Forward()
	o := nextReal(oldIt)
	d := nextReal(deltaIt)
	for o != nil || d != nil {
		switch {
		case d == nil, o != nil && fileOrderBefore(o.Name, d.Name):
			if err := out.Add(*o); err != nil {
				return err
			}
			o = nextReal(oldIt)
		case o == nil, fileOrderBefore(d.Name, o.Name):
			if err := out.Add(*d); err != nil {
				return err
			}
			d = nextReal(deltaIt)
		default: // same path
			e := *d
			if o.HashValid() && !d.HashValid() &&
				d.Flags&FlagFakeInvalid == 0 && o.StatEqual(d, checkDevice) {
				e.SHA = o.SHA
				e.GitMode = o.GitMode
				e.Flags |= FlagHashValid
			}
			if err := out.Add(e); err != nil {
				return err
			}
			o = nextReal(oldIt)
			d = nextReal(deltaIt)
		}
	}
	if err := oldIt.Err(); err != nil {
		return err
	}
	return deltaIt.Err()
}

// nextReal advances past the root sentinel, which the output writer
// regenerates itself.
func nextReal(it *Iter) *Entry {
	e := it.Next()
	if e == nil || e.Name == "/" {
		return nil
	}
	return e
}
