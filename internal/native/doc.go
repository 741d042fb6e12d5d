// Package native binds class names to the Go code that implements them on a
// worker.
//
// Every worker holds one Registry populated by Modules at startup. When a
// Construct invocation arrives the registry builds the instance, and the
// returned Object is what later Get, Set and Call invocations operate on.
//
// A class is registered either with a plain Go constructor function, in
// which case its instances are driven by reflection, or with a Constructor
// factory. Reflection maps
//
//   - properties to struct fields tagged `pmi:"name"`, and
//   - calls to exported methods; the call "computeEnergy" is served by the
//     method ComputeEnergy.
//
// A type that needs full control implements Object itself.
//
// Arguments reach native code as an Args slice. Each element is either a
// cty.Value or, for arguments declared with the `handle` type, the Go value
// of the instance the handle is bound to on this worker.
//
// ValidateAgainst checks that a registry and a capability set agree before
// any invocation is dispatched, mirroring the manifest parity check the rest
// of the application applies to its definitions.
package native
