// Package strata is the entry point for opening strata datasets.
//
// A dataset is a local store of versioned rows. Every write appends a new
// version to its row and an entry to a dataset-wide change feed; attachments
// live in a content-addressed blob store next to it. Two datasets replicate
// by pushing or pulling that feed over HTTP.
//
// Layout:
//
//   - pkg/core: domain types, sentinel errors and the Engine/Store/BlobStore capabilities.
//   - pkg/adapters: engines (badger, pebble, memory).
//   - pkg/storage, pkg/blobs, pkg/schema: the local dataset.
//   - pkg/replication, pkg/server, pkg/wire, pkg/rpc: talking to peers.
//   - pkg/dataset: the handle tying one dataset together.
//
// Usage:
//
//	ds, err := strata.Init(ctx, "./data", strata.WithBackend("pebble"))
//	if err != nil {
//		return err
//	}
//	defer ds.Close()
//
//	doc, err := ds.Put(ctx, strata.Document{ID: "a", Fields: strata.Fields{"n": 1}}, core.PutOptions{})
//
//	st, err := ds.Pull(ctx, "localhost:6461", strata.PullOptions{})
//	for res := range st.Results() {
//		fmt.Println(res.Row.ID, res.Success)
//	}
//	err = st.Err()
package strata
