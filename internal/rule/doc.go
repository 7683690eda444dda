// Package rule defines the in-memory model of flow rules and the codec
// between the store's column+JSON representation and typed values.
//
// Decoding happens once, at the store boundary. Everything past that
// boundary works with Rule, MatchSpec and Action values; raw rows and
// untyped JSON never travel further into the controller.
package rule
