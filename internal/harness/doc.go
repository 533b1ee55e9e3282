// Package harness runs YAML conformance scenarios against the model layer.
//
// A scenario declares a schema, the models to register, setup writes, a flow
// of steps (find, set, save, delete, exec, reload, batching) and assertions
// over the resulting notification trace, in-memory field values and final
// table state. Each scenario runs in a fresh in-memory database, so runs
// are isolated and repeatable.
//
// The trace records every delivered notification in order with a sequence
// number. Its canonical encoding is stable, which makes it suitable for
// golden-file comparison (see AssertGolden).
package harness
