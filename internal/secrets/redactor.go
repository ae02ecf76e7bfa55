package secrets

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/config"
)

var redactedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "testgen_redactions_total",
	Help: "Secrets redacted from document text, by rule.",
}, []string{"rule"})

// Redactor removes secrets from document text.
type Redactor interface {
	// Redact returns content with secrets replaced by markers. name is the
	// document name, checked against allowlisted paths.
	Redact(name, content string) (*Result, error)
	Enabled() bool
}

// Detector finds secrets in text. The gitleaks detector is the default.
type Detector func(content string) ([]RawFinding, error)

// RawFinding is a detector match, secret included.
type RawFinding struct {
	RuleID      string
	Description string
	Line        int
	Secret      string
}

// GitleaksRedactor redacts using the gitleaks default rule set.
type GitleaksRedactor struct {
	allow  *Allowlist
	detect Detector
	logger *zap.Logger
}

// New builds a redactor from configuration. A disabled configuration yields
// a Noop redactor.
func New(cfg config.RedactionConfig, logger *zap.Logger) (Redactor, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	r := &GitleaksRedactor{allow: allow, logger: logger}
	r.detect = r.gitleaks
	return r, nil
}

// NewWithDetector builds a redactor around a custom detector.
func NewWithDetector(d Detector, allow *Allowlist, logger *zap.Logger) *GitleaksRedactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allow == nil {
		allow = &Allowlist{}
	}
	return &GitleaksRedactor{allow: allow, detect: d, logger: logger}
}

// Enabled implements Redactor.
func (r *GitleaksRedactor) Enabled() bool { return true }

// Redact implements Redactor.
func (r *GitleaksRedactor) Redact(name, content string) (*Result, error) {
	start := time.Now()
	res := &Result{Content: content, ByRule: map[string]int{}}
	if content == "" || r.allow.SkipsDocument(name) {
		res.Duration = time.Since(start)
		return res, nil
	}

	raw, err := r.detect(content)
	if err != nil {
		return nil, fmt.Errorf("detecting secrets in %s: %w", name, err)
	}

	kept := make([]RawFinding, 0, len(raw))
	for _, f := range raw {
		if f.Secret == "" || r.allow.Allows(f.Secret) {
			continue
		}
		kept = append(kept, f)
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.Line,
			Length:      len(f.Secret),
		})
		res.ByRule[f.RuleID]++
		redactedTotal.WithLabelValues(f.RuleID).Inc()
	}
	res.Content = replaceSecrets(content, kept)
	res.Duration = time.Since(start)

	if res.HasFindings() {
		r.logger.Info("secrets redacted from document",
			zap.String("document", name),
			zap.Int("count", len(res.Findings)),
			zap.Strings("rules", res.RuleIDs()),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

// gitleaks runs the default rule set with the content allowlist merged in.
// The detector accumulates findings internally, so each call gets its own.
func (r *GitleaksRedactor) gitleaks(content string) ([]RawFinding, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	if len(r.allow.regexes) > 0 {
		applyAllowlist(&d.Config, r.allow)
	}
	found := d.DetectString(content)
	out := make([]RawFinding, 0, len(found))
	for _, f := range found {
		out = append(out, RawFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return out, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "testgen allowlist"}
	for _, re := range allow.regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// replaceSecrets swaps every occurrence of each secret for its marker.
// Longer secrets go first so a secret containing another is replaced whole.
func replaceSecrets(content string, findings []RawFinding) string {
	if len(findings) == 0 {
		return content
	}
	sorted := make([]RawFinding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Secret) > len(sorted[j].Secret) })

	pairs := make([]string, 0, 2*len(sorted))
	seen := map[string]bool{}
	for _, f := range sorted {
		if seen[f.Secret] {
			continue
		}
		seen[f.Secret] = true
		pairs = append(pairs, f.Secret, Marker(f.RuleID))
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// Marker is the text that replaces a secret matched by ruleID.
func Marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}

// Noop leaves content untouched.
type Noop struct{}

// Redact implements Redactor.
func (Noop) Redact(_, content string) (*Result, error) {
	return &Result{Content: content, ByRule: map[string]int{}}, nil
}

// Enabled implements Redactor.
func (Noop) Enabled() bool { return false }

var (
	_ Redactor = (*GitleaksRedactor)(nil)
	_ Redactor = Noop{}
)
