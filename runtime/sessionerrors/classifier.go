package sessionerrors

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Class is the handling decision for an error.
type Class int

// Error classes.
const (
	Recoverable Class = iota
	Fatal
)

// String implements fmt.Stringer.
func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Category is the taxonomy bucket an error falls into.
type Category string

// Error categories.
const (
	CategoryBenignInternalSync    Category = "benign_internal_sync"
	CategoryRetryableStage        Category = "retryable_stage"
	CategoryRecoverableConnection Category = "recoverable_connection"
	CategoryUnclassifiedFatal     Category = "unclassified_fatal"
)

// Rule numbers, in evaluation order.
const (
	RuleBenignSignature = iota + 1
	RuleRetryableFlag
	RuleRecognitionConnection
	RuleFallthrough
)

// DefaultApology is spoken before a session closes on a fatal error.
const DefaultApology = "Sorry, I'm having trouble right now. Please try again in a moment."

// Classification is the outcome of classifying one error.
type Classification struct {
	Err      *PipelineError
	Class    Class
	Category Category
	// Rule is the number of the rule that matched.
	Rule int
	// Signature names the matching signature, if any.
	Signature string
	// Exhausted is set when the recognizer gave up after its own retries.
	Exhausted bool
	// Notify is true when the user should hear Apology.
	Notify  bool
	Apology string
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	// Signatures replaces DefaultSignatures when non-nil.
	Signatures []Signature `yaml:"signatures,omitempty"`
	// PipelineVersion selects which signatures are active. Empty activates all.
	PipelineVersion string `yaml:"pipeline_version" env:"PIPELINE_VERSION"`
	// Apology is the text spoken before closing on a fatal error.
	Apology string `yaml:"apology" env:"ERROR_APOLOGY"`
	// DisableApology keeps fatal errors silent.
	DisableApology bool `yaml:"disable_apology" env:"ERROR_APOLOGY_DISABLED"`
}

// Classifier applies the ordered classification rules. It is immutable and
// safe for concurrent use.
type Classifier struct {
	benign      []Signature
	exhausted   []Signature
	connection  []Signature
	apology     string
	notifyFatal bool
}

// NewClassifier compiles cfg into a Classifier.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	sigs := cfg.Signatures
	if sigs == nil {
		sigs = DefaultSignatures()
	}

	var version *semver.Version
	if cfg.PipelineVersion != "" {
		v, err := semver.NewVersion(cfg.PipelineVersion)
		if err != nil {
			return nil, fmt.Errorf("pipeline version %q: %w", cfg.PipelineVersion, err)
		}
		version = v
	}

	c := &Classifier{apology: cfg.Apology, notifyFatal: !cfg.DisableApology}
	if c.apology == "" {
		c.apology = DefaultApology
	}
	for _, s := range sigs {
		if err := s.compile(); err != nil {
			return nil, err
		}
		if !s.appliesTo(version) {
			continue
		}
		switch s.Kind {
		case KindBenignSync:
			c.benign = append(c.benign, s)
		case KindRecognitionExhausted:
			c.exhausted = append(c.exhausted, s)
		case KindRecognitionConnection:
			c.connection = append(c.connection, s)
		}
	}
	return c, nil
}

// Apology returns the configured apology text.
func (c *Classifier) Apology() string {
	return c.apology
}

// Classify applies the rules in order; the first match wins.
//
//  1. Known benign state-sync signatures are recoverable and silent.
//  2. Errors flagged retryable by their stage are recoverable.
//  3. Recognizer connection errors are recoverable.
//  4. Everything else is fatal.
func (c *Classifier) Classify(err error) Classification {
	pe := AsPipelineError(err)
	if pe == nil {
		pe = &PipelineError{Message: "nil error"}
	}
	out := Classification{Err: pe, Apology: c.apology}

	if sig, ok := firstMatch(c.benign, pe); ok {
		out.Class, out.Category, out.Rule, out.Signature = Recoverable, CategoryBenignInternalSync, RuleBenignSignature, sig
		return out
	}

	if pe.Retryable {
		out.Class, out.Category, out.Rule = Recoverable, CategoryRetryableStage, RuleRetryableFlag
		return out
	}

	if recognitionScoped(pe) {
		if sig, ok := firstMatch(c.exhausted, pe); ok {
			out.Class, out.Category, out.Rule, out.Signature = Recoverable, CategoryRecoverableConnection, RuleRecognitionConnection, sig
			out.Exhausted = true
			out.Notify = c.notifyFatal
			return out
		}
		sig, ok := firstMatch(c.connection, pe)
		if !ok && pe.Stage == StageRecognition && isNetworkError(pe) {
			sig, ok = "net_error", true
		}
		if ok {
			out.Class, out.Category, out.Rule, out.Signature = Recoverable, CategoryRecoverableConnection, RuleRecognitionConnection, sig
			return out
		}
	}

	out.Class, out.Category, out.Rule = Fatal, CategoryUnclassifiedFatal, RuleFallthrough
	out.Notify = c.notifyFatal
	return out
}

// recognitionScoped reports whether pe may be a recognizer error. Errors
// without a stage qualify too, since the recognizer's give-up errors are
// often surfaced outside any stage callback.
func recognitionScoped(pe *PipelineError) bool {
	return pe.Stage == StageRecognition || pe.Stage == StageUnknown || pe.Type == "stt_error"
}

func firstMatch(sigs []Signature, pe *PipelineError) (string, bool) {
	for i := range sigs {
		if sigs[i].Matches(pe) {
			return sigs[i].Name, true
		}
	}
	return "", false
}
