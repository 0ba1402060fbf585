// Package domain models address geocoding runs.
//
// # Records
//
// Each input record is opaque except for its address, extracted by an
// [AddressFunc]. The default, [DefaultAddress], treats the record itself as
// the address; [FieldAddress] reads a string field from map records.
//
// Every input produces exactly one [Record]:
//
//	{"error":null,"address":"1 Main St","input":"1 Main St",
//	 "location":{"lat":1,"lng":2},"result":{...},"results":[...],
//	 "current":1,"total":2,"pending":1,"percent":50,"estimatedDuration":4000}
//
// A failed lookup keeps the same keys with "error" set to the failure message,
// "location" and "result" as empty objects, and no "results".
//
// # Candidates
//
// [Candidate] follows the Google Geocoding API result shape, so the best
// match's coordinate is result.geometry.location. Providers with another wire
// format (Mapbox) are converted into it.
//
// # Progress
//
// [Stats] is advanced once per record. When a total is known every record also
// carries total, pending, percent and estimatedDuration:
//
//	ratio             = current / total
//	percent           = ratio * 100
//	estimatedDuration = round((now - startTime) / ratio)   // milliseconds
//
// The estimate is a linear extrapolation and is large for the first records.
// [SmoothedEstimator] offers an EWMA-based alternative.
package domain
