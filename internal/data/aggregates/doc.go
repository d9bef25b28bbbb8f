// Package aggregates implements the domain aggregate contracts on top of the
// table-level repos in internal/data/repos. Each write method owns its
// transaction boundary.
package aggregates
