// Package patterns provides the embedded default recognizer definitions.
// pii.yaml uses the Presidio recognizer registry layout with a few
// extensions (validation, pattern capture groups).
package patterns

import _ "embed"

//go:embed pii.yaml
var piiYAML []byte

// PIIYAML returns the embedded default PII recognizer definitions.
func PIIYAML() []byte { return piiYAML }
