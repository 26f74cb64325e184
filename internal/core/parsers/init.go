// Package parsers registers all parser definitions with the core registry.
// Import this package to ensure all parsers are registered.
package parsers

// This file exists to provide a single import point.
// Each parser file uses init() to register its variants.
