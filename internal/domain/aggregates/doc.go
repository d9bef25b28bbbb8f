// Package aggregates defines the typed pipeline errors and the write
// boundaries whose invariants must hold atomically.
package aggregates
