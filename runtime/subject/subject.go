// Package subject implements the workflow subject codec. A subject is the
// opaque string identity of one workflow instance; it encodes the owning
// orchestrator's name and version, the execution that started the root
// workflow, the ancestor chain, and free-form routing metadata.
//
// Subjects are compared by byte equality and MUST round-trip through
// Encode/Parse. The canonical form is the unpadded URL-safe base64 encoding
// of the compact JSON content.
package subject

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

type (
	// Content is the decoded form of a subject.
	Content struct {
		// Orchestrator identifies which orchestrator (and version) owns the
		// workflow instance.
		Orchestrator Orchestrator `json:"orchestrator"`
		// Execution describes the run that this subject names.
		Execution Execution `json:"execution"`
		// Meta carries free-form routing metadata. The orchestrator core
		// reads meta["redirectto"] to route completion events.
		Meta map[string]string `json:"meta"`
	}

	// Orchestrator is the (name, version) pair baked into a subject.
	Orchestrator struct {
		// Name is the orchestrator source identifier (an event-type-shaped
		// string such as "arvo.orc.test").
		Name string `json:"name"`
		// Version is the exact semver of the machine handling this instance.
		Version string `json:"version"`
	}

	// Execution carries run identity and lineage.
	Execution struct {
		// ID is a nonce distinguishing otherwise identical subjects.
		ID string `json:"id"`
		// Initiator is the source that started the root workflow. Preserved
		// unchanged across the whole parent/child chain.
		Initiator string `json:"initiator"`
		// Chain lists the orchestrator names of all ancestors, root first.
		// Empty for root subjects.
		Chain []string `json:"chain,omitempty"`
	}
)

// MetaRedirectTo is the meta key the pipelines read to resolve the completion
// destination of a workflow.
const MetaRedirectTo = "redirectto"

// maxDecodedSize bounds the decoded subject content. Subjects are expected to
// be at most a few hundred bytes; anything larger is rejected as malformed.
const maxDecodedSize = 4096

var (
	// ErrInvalid matches every subject codec error via errors.Is.
	ErrInvalid = errors.New("invalid subject")

	namePattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)*$`)
)

// New mints a fresh root subject for the given orchestrator name, exact
// version, and initiator. Two calls with identical arguments produce distinct
// subjects: the execution ID is a fresh uuid.
func New(name, version, initiator string, meta map[string]string) (string, error) {
	if err := validateName(name, "orchestrator name"); err != nil {
		return "", err
	}
	if err := validateVersion(version); err != nil {
		return "", err
	}
	if err := validateName(initiator, "initiator"); err != nil {
		return "", err
	}
	return Encode(Content{
		Orchestrator: Orchestrator{Name: name, Version: version},
		Execution:    Execution{ID: uuid.NewString(), Initiator: initiator},
		Meta:         cloneMeta(meta),
	})
}

// From mints a child subject from an existing parent subject. The child
// carries the callee's (name, version), inherits the parent's initiator, and
// appends the parent orchestrator's name to the ancestor chain.
func From(parent, name, version string, meta map[string]string) (string, error) {
	pc, err := Parse(parent)
	if err != nil {
		return "", fmt.Errorf("parse parent subject: %w", err)
	}
	if err := validateName(name, "orchestrator name"); err != nil {
		return "", err
	}
	if err := validateVersion(version); err != nil {
		return "", err
	}
	chain := make([]string, 0, len(pc.Execution.Chain)+1)
	chain = append(chain, pc.Execution.Chain...)
	chain = append(chain, pc.Orchestrator.Name)
	return Encode(Content{
		Orchestrator: Orchestrator{Name: name, Version: version},
		Execution:    Execution{ID: uuid.NewString(), Initiator: pc.Execution.Initiator, Chain: chain},
		Meta:         cloneMeta(meta),
	})
}

// Encode serializes content into the canonical string form. The content is
// validated first so that every encoded subject parses back.
func Encode(c Content) (string, error) {
	if err := validateContent(c); err != nil {
		return "", err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: marshal content: %v", ErrInvalid, err)
	}
	if len(raw) > maxDecodedSize {
		return "", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalid, maxDecodedSize)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Parse decodes a subject string back into its content.
func Parse(s string) (Content, error) {
	if s == "" {
		return Content{}, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Content{}, fmt.Errorf("%w: not base64url: %v", ErrInvalid, err)
	}
	if len(raw) > maxDecodedSize {
		return Content{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalid, maxDecodedSize)
	}
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, fmt.Errorf("%w: not valid content JSON: %v", ErrInvalid, err)
	}
	if err := validateContent(c); err != nil {
		return Content{}, err
	}
	return c, nil
}

// IsValid reports whether s parses as a subject.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// RedirectTo returns the completion destination baked into the content:
// meta["redirectto"] when present, the initiator otherwise.
func (c Content) RedirectTo() string {
	if v, ok := c.Meta[MetaRedirectTo]; ok && v != "" {
		return v
	}
	return c.Execution.Initiator
}

func validateContent(c Content) error {
	if err := validateName(c.Orchestrator.Name, "orchestrator name"); err != nil {
		return err
	}
	if err := validateVersion(c.Orchestrator.Version); err != nil {
		return err
	}
	if c.Execution.ID == "" {
		return fmt.Errorf("%w: missing execution id", ErrInvalid)
	}
	if err := validateName(c.Execution.Initiator, "initiator"); err != nil {
		return err
	}
	for _, ancestor := range c.Execution.Chain {
		if err := validateName(ancestor, "chain entry"); err != nil {
			return err
		}
	}
	return nil
}

func validateName(name, what string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalid, what, name, namePattern.String())
	}
	return nil
}

func validateVersion(version string) error {
	if strings.Contains(version, ";") {
		return fmt.Errorf("%w: version %q contains reserved character", ErrInvalid, version)
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: version %q is not exact semver: %v", ErrInvalid, version, err)
	}
	if v.String() != version {
		return fmt.Errorf("%w: version %q is not in canonical form", ErrInvalid, version)
	}
	return nil
}

func cloneMeta(meta map[string]string) map[string]string {
	c := make(map[string]string, len(meta))
	for k, v := range meta {
		c[k] = v
	}
	return c
}
