/*
Package resample converts bins between bucket widths.

Charts ask for data at one resolution but the cache may only hold a nearby
one. Three conversions cover every case:

	Downsample   source finer than target   group into floor(t/target)*target
	Upsample     source coarser than target linear interpolation between bins
	Snap         widths roughly equal       move each bin to round(t/target)*target

Downsampling keeps min, max and count bounds intact: min and max are taken
over the members, counts are summed, and the average is the mean of member
averages. The same function aggregates raw samples in the source backends,
where every sample is a bin with count 1.

All functions return sorted, deduplicated, non-nil slices.
*/
package resample
