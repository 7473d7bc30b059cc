// Package dcb implements an event store with dynamic consistency
// boundaries: an append-only log of tagged events where the consistency
// scope of a write is defined by a query over facts rather than by a fixed
// aggregate identifier.
//
// Writers build InputEvents and append them through an EventStream facade,
// optionally under an AppendCondition that fails when newer events match its
// query. Readers page through query results forwards or backwards, fold
// decision models with state projectors, or run resumable bookmark-tracked
// projections. Storage backends plug in through the Storage port; see the
// memory and postgres subpackages.
package dcb
