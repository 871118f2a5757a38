// Package pagination exposes a multi-page list endpoint as one lazily
// fetched sequence.
//
// Pages are fetched strictly in cursor order and only when a caller touches
// an item beyond what is already cached. Every fetched page is kept, so
// random access, partial iteration and repeated iteration share one fetch
// history and never request the same page twice.
//
// Example usage:
//
//	seq := pagination.New[Release](fetcher)
//	first, err := seq.ItemAt(ctx, 0)   // fetches page 1 only
//	for r, err := range seq.All(ctx) { // continues from the cache
//		if err != nil {
//			return err
//		}
//		fmt.Println(r.Name)
//	}
//
// A Sequence moves through three states:
//   - Fresh: no page fetched yet
//   - Partial: at least one page fetched and a next cursor is known
//   - Exhausted: the last page was fetched; further lookups beyond the
//     cached range fail with ErrIndexOutOfRange without any request
//
// A failed fetch changes nothing; the same page is requested again on the
// next access.
package pagination
