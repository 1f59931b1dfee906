package integrity

import (
	"errors"
	"fmt"

	"github.com/roach88/chronicle/internal/canonical"
	"github.com/roach88/chronicle/internal/event"
)

// ErrPredecessorRequired is returned when a version > 1 is verified or
// sealed without the predecessor's chain hash.
var ErrPredecessorRequired = errors.New("integrity: predecessor chain hash required for version > 1")

// Link identifies a position in an aggregate's chain.
type Link struct {
	Version   int64
	ChainHash string
}

// Genesis is the link before version 1.
func Genesis() Link {
	return Link{}
}

// LinkOf returns the link formed by a sealed envelope.
func LinkOf(env event.Envelope) Link {
	return Link{Version: env.Version, ChainHash: env.ChainHash}
}

// IsGenesis reports whether l precedes version 1.
func (l Link) IsGenesis() bool {
	return l.Version == 0
}

func (l Link) check(version int64) error {
	if version != l.Version+1 {
		return fmt.Errorf("integrity: version %d does not follow predecessor version %d", version, l.Version)
	}
	if !l.IsGenesis() && l.ChainHash == "" {
		return ErrPredecessorRequired
	}
	if l.IsGenesis() && l.ChainHash != "" {
		return fmt.Errorf("integrity: genesis link must not carry a chain hash")
	}
	return nil
}

// ComputeChainHash returns the chain hash env would have after prev.
func ComputeChainHash(env event.Envelope, prev Link) (string, error) {
	if err := prev.check(env.Version); err != nil {
		return "", err
	}
	body, err := env.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return canonical.ChainHash(body, prev.ChainHash), nil
}

// Sealer stamps and verifies chain hashes, signing them when a Signer is
// configured.
type Sealer struct {
	signer            Signer
	requireSignatures bool
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithSigner signs every sealed envelope and verifies signatures present on
// envelopes being checked.
func WithSigner(s Signer) Option {
	return func(se *Sealer) { se.signer = s }
}

// RequireSignatures fails verification of envelopes without a signature.
// It has no effect without a signer.
func RequireSignatures() Option {
	return func(se *Sealer) { se.requireSignatures = true }
}

// NewSealer creates a Sealer.
func NewSealer(opts ...Option) *Sealer {
	s := &Sealer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal returns a copy of env with ChainHash (and, with a signer, Signature
// and SignatureKeyID) set. env.Version must already be prev.Version+1.
func (s *Sealer) Seal(env event.Envelope, prev Link) (event.Envelope, error) {
	hash, err := ComputeChainHash(env, prev)
	if err != nil {
		return event.Envelope{}, err
	}

	sealed := env.Clone()
	sealed.ChainHash = hash
	sealed.Signature = ""
	sealed.SignatureKeyID = ""
	if s.signer != nil {
		sig, keyID, err := s.signer.Sign(env.AggregateID, hash)
		if err != nil {
			return event.Envelope{}, fmt.Errorf("sign chain hash: %w", err)
		}
		sealed.Signature = sig
		sealed.SignatureKeyID = keyID
	}
	return sealed, nil
}

// Verify recomputes env's chain hash from prev and compares it with the
// stored one. It returns ErrPredecessorRequired when prev is missing, and an
// INTEGRITY *event.Error on mismatch.
func (s *Sealer) Verify(env event.Envelope, prev Link) error {
	_, err := s.verify(env, prev)
	return err
}

// verify returns the recomputed chain hash, which callers walking a chain
// use as the next predecessor.
func (s *Sealer) verify(env event.Envelope, prev Link) (string, error) {
	if env.Version != prev.Version+1 {
		return "", event.NewIntegrityError(env, fmt.Sprintf("version gap: expected %d", prev.Version+1))
	}
	hash, err := ComputeChainHash(env, prev)
	if errors.Is(err, ErrPredecessorRequired) {
		return "", err
	}
	if err != nil {
		e := event.NewIntegrityError(env, "envelope cannot be canonicalized")
		e.Err = err
		return "", e
	}
	if hash != env.ChainHash {
		return hash, event.NewIntegrityError(env, "chain hash mismatch")
	}

	if s.signer == nil {
		return hash, nil
	}
	if env.Signature == "" {
		if s.requireSignatures {
			return hash, event.NewIntegrityError(env, "signature missing")
		}
		return hash, nil
	}
	if err := s.signer.Verify(env.AggregateID, env.ChainHash, env.Signature, env.SignatureKeyID); err != nil {
		e := event.NewIntegrityError(env, "signature invalid")
		e.Err = err
		return hash, e
	}
	return hash, nil
}

// ChainVerifier checks a contiguous run of envelopes incrementally, so
// callers can verify a stream page by page without holding it in memory.
//
// Once an envelope fails, every later envelope fails as well: nothing after
// a broken link is trusted.
type ChainVerifier struct {
	sealer   *Sealer
	link     Link
	brokenAt int64
}

// NewChainVerifier starts verification after anchor. Use Genesis() to
// verify from version 1.
func (s *Sealer) NewChainVerifier(anchor Link) *ChainVerifier {
	return &ChainVerifier{sealer: s, link: anchor}
}

// Next verifies env as the successor of everything seen so far.
func (v *ChainVerifier) Next(env event.Envelope) error {
	if v.brokenAt > 0 {
		v.link = Link{Version: env.Version, ChainHash: env.ChainHash}
		e := event.NewIntegrityError(env, fmt.Sprintf("chain broken at version %d", v.brokenAt))
		e.Details = map[string]string{"broken_at": fmt.Sprint(v.brokenAt)}
		return e
	}
	hash, err := v.sealer.verify(env, v.link)
	if err != nil {
		if !errors.Is(err, ErrPredecessorRequired) {
			v.brokenAt = env.Version
		}
		v.link = Link{Version: env.Version, ChainHash: env.ChainHash}
		return err
	}
	v.link = Link{Version: env.Version, ChainHash: hash}
	return nil
}

// Link returns the link of the last envelope passed to Next.
func (v *ChainVerifier) Link() Link {
	return v.link
}

// BrokenAt returns the first failing version, or 0.
func (v *ChainVerifier) BrokenAt() int64 {
	return v.brokenAt
}

// VerifyChain verifies envs in order after anchor and returns the first
// failure.
func (s *Sealer) VerifyChain(envs []event.Envelope, anchor Link) error {
	v := s.NewChainVerifier(anchor)
	for _, env := range envs {
		if err := v.Next(env); err != nil {
			return err
		}
	}
	return nil
}

// Failure describes one envelope that did not verify.
type Failure struct {
	Version int64  `json:"version"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// CheckChain verifies every envelope and returns all failures in version
// order. ErrPredecessorRequired is returned as an error, not a failure.
func (s *Sealer) CheckChain(envs []event.Envelope, anchor Link) ([]Failure, error) {
	v := s.NewChainVerifier(anchor)
	var failures []Failure
	for _, env := range envs {
		if err := v.Next(env); err != nil {
			if errors.Is(err, ErrPredecessorRequired) {
				return nil, err
			}
			failures = append(failures, failureOf(env, err))
		}
	}
	return failures, nil
}

func failureOf(env event.Envelope, err error) Failure {
	reason := err.Error()
	if e, ok := event.AsError(err); ok {
		reason = e.Message
	}
	return Failure{Version: env.Version, EventID: env.EventID, Reason: reason}
}
