// Package harvest defines the domain vocabulary shared by every newsharvest
// subsystem: items moving through the pipeline, dedup records, stage
// descriptors, run outcomes, the error taxonomy, and the interfaces the
// retrieval and processing components are written against.
package harvest
