// Package conv provides checked integer conversions.
//
// The loader narrows 8-byte on-disk keys to the configured key width; these
// helpers make the narrowing explicit and validated instead of relying on
// implicit truncation.
package conv
