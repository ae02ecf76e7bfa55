// Package secrets redacts credentials from document text before it is
// segmented, indexed or sent to a generator.
//
// Detection uses the gitleaks default rule set. Matches are replaced with
// [REDACTED:rule-id] markers so the surrounding text keeps its meaning for
// embeddings. Findings never carry the secret itself.
package secrets
