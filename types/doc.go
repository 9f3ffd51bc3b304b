// Package types defines the shared leaf types of the paceflow library:
// the structured error taxonomy, request outcome records, and the closed
// CallResult contract backends use to report failures without exception
// introspection.
package types
