// Package types provides core types shared across the rezgate service.
// This package has ZERO dependencies on other rezgate packages to avoid
// circular imports. All other packages should import types from here.
package types
