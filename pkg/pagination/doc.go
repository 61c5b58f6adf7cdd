// Package pagination drives resumable retrieval of paginated resources.
//
// A Driver walks each configured resource page by page, strictly in cursor
// order and one request at a time:
//
//	store, _ := checkpoint.NewFileStore("checkpoint.json", logger)
//	out, _ := sink.Open("issues.jsonl")
//	driver, _ := pagination.NewDriver(retrier, store, out, pagination.DefaultConfig())
//	report, err := driver.Run(ctx, []string{"SPARK", "KAFKA"})
//
// For every page the records are written to the sink first and the next
// cursor is committed to the checkpoint store second. A crash between the
// two steps therefore re-fetches at most one page on the next run.
//
// Per resource the driver moves NotStarted → InProgress → Complete, or into
// the absorbing Failed state when a page cannot be fetched. A failed
// resource does not stop the others. Sink and checkpoint failures, a corrupt
// checkpoint and context cancellation abort the whole run.
package pagination
