// Package store implements the SQLite-backed metadata store.
//
// The store holds three kinds of records: packages (name, version, source,
// dependencies, checksum), templates (versioned, parameterized build-script
// definitions), and builds (one package built with one template
// instantiation by one engine). Template bodies are referenced by builds
// through (name, version) pairs, never copied into build rows.
//
// Build status transitions are enforced here: a build moves from pending
// through running to exactly one terminal status (succeeded, failed, or
// canceled), or straight from pending to canceled. Transitions are applied
// with a compare-and-swap UPDATE so concurrent writers cannot regress a
// status.
//
// Example usage:
//
//	st, err := store.Open("metadata.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	err = st.PutPackage(ctx, store.Package{Name: "zlib", Version: "1.3.1", SourceType: store.SourceLocal, Source: "/src/zlib"})
package store
