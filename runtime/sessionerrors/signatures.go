package sessionerrors

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Kind says how a matching signature is classified.
type Kind string

// Signature kinds.
const (
	// KindBenignSync marks known internal state-sync noise.
	KindBenignSync Kind = "benign_sync"
	// KindRecognitionConnection marks recognizer connection drops the
	// pipeline reconnects from on its own.
	KindRecognitionConnection Kind = "recognition_connection"
	// KindRecognitionExhausted marks a recognizer that gave up after its
	// own retries.
	KindRecognitionExhausted Kind = "recognition_exhausted"
)

// Signature is one known error pattern. Error text from the pipeline is not
// a stable interface, so every entry names the pipeline versions it was
// observed on and is reviewed whenever the pipeline is upgraded.
type Signature struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Contains matches substrings of the error message.
	Contains []string `yaml:"contains,omitempty"`
	// ErrorNames matches the stage's error class name exactly.
	ErrorNames []string `yaml:"error_names,omitempty"`
	// ErrorTypes matches the stage's error type tag exactly.
	ErrorTypes []string `yaml:"error_types,omitempty"`
	// Stages restricts the signature to some stages; empty means any.
	Stages []Stage `yaml:"stages,omitempty"`
	// Versions is a semver constraint on the pipeline version, e.g. ">= 1.0, < 2".
	// Empty means any version.
	Versions string `yaml:"versions,omitempty"`

	constraint *semver.Constraints
}

// ErrInvalidSignature is returned for signatures that cannot match anything.
var ErrInvalidSignature = errors.New("invalid error signature")

// compile validates the signature and parses its version constraint.
func (s *Signature) compile() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSignature)
	}
	switch s.Kind {
	case KindBenignSync, KindRecognitionConnection, KindRecognitionExhausted:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSignature, s.Name, s.Kind)
	}
	if len(s.Contains) == 0 && len(s.ErrorNames) == 0 && len(s.ErrorTypes) == 0 {
		return fmt.Errorf("%w: %s: no matchers", ErrInvalidSignature, s.Name)
	}
	if s.Versions != "" {
		c, err := semver.NewConstraint(s.Versions)
		if err != nil {
			return fmt.Errorf("%w: %s: versions: %v", ErrInvalidSignature, s.Name, err)
		}
		s.constraint = c
	}
	return nil
}

// appliesTo reports whether the signature is active for pipeline version v.
// A nil version (unknown pipeline) activates every signature.
func (s *Signature) appliesTo(v *semver.Version) bool {
	if s.constraint == nil || v == nil {
		return true
	}
	return s.constraint.Check(v)
}

// Matches reports whether pe matches the signature.
func (s *Signature) Matches(pe *PipelineError) bool {
	if pe == nil {
		return false
	}
	if len(s.Stages) > 0 && !slices.Contains(s.Stages, pe.Stage) {
		return false
	}
	if pe.Name != "" && slices.Contains(s.ErrorNames, pe.Name) {
		return true
	}
	if pe.Type != "" && slices.Contains(s.ErrorTypes, pe.Type) {
		return true
	}
	text := pe.Message
	if pe.Cause != nil {
		text += " " + pe.Cause.Error()
	}
	for _, sub := range s.Contains {
		if sub != "" && strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

// DefaultSignatures returns the signatures known for the 1.x agents pipeline.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Name:     "mark_generation_done",
			Kind:     KindBenignSync,
			Contains: []string{"mark_generation_done"},
			Versions: ">= 1.0.0-0",
		},
		{
			Name:     "stt_retries_exhausted",
			Kind:     KindRecognitionExhausted,
			Contains: []string{"failed to recognize speech after"},
			Versions: ">= 1.0.0-0",
		},
		{
			Name:       "stt_connection",
			Kind:       KindRecognitionConnection,
			ErrorNames: []string{"APIConnectionError"},
			ErrorTypes: []string{"stt_error"},
			Contains:   []string{"APIConnectionError"},
			Versions:   ">= 1.0.0-0",
		},
	}
}

type signatureFile struct {
	Signatures []Signature `yaml:"signatures"`
}

// LoadSignatures reads a YAML signature list of the form
//
//	signatures:
//	  - name: mark_generation_done
//	    kind: benign_sync
//	    contains: ["mark_generation_done"]
//	    versions: ">= 1.0.0"
func LoadSignatures(r io.Reader) ([]Signature, error) {
	var f signatureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	for i := range f.Signatures {
		if err := f.Signatures[i].compile(); err != nil {
			return nil, err
		}
	}
	return f.Signatures, nil
}
