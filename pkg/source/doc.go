/*
Package source provides the pluggable bin store that answers tile fetches.

A chart never reads a source directly. The orchestrator asks a fetcher for an
interval at a bucket width; on the server side that request lands here, and
the source aggregates its raw bins into the requested bucket:

	Write(ctx, "cpu", bins)                       raw samples, count 1 each
	Query(ctx, "cpu", [from,to), 60000)           one bin per minute

Two backends implement the Source interface:

  - memory: in-process maps, for tests and demos
  - badger: BadgerDB with zstd-compressed bin chunks, for persistent storage

Both align buckets with floor(t/bucket)*bucket through resample.Downsample,
so a tile fetched from either backend lines up with tiles fetched earlier.
*/
package source
