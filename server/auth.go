package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// verifyCosignature recovers the signer of sig over digest and requires it
// to be exactly the record's cosigner AND currently active. Both checks are
// independent: recovery can succeed and still be rejected when the cosigner
// was deactivated after signing.
func (s *Server) verifyCosignature(rec *commitdb.CommitRecord, digest [32]byte, sig []byte) error {
	signer, err := luckdrop.RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if !bytes.Equal(signer, rec.Cosigner) {
		return fmt.Errorf("%w: got %x", ErrSignerMismatch, signer)
	}
	active, ok := s.cosigners[hex.EncodeToString(signer)]
	if !ok {
		return ErrCosignerUnknown
	}
	if !active {
		return ErrCosignerInactive
	}
	return nil
}

// cosignerActive reports whether the compressed pubkey is in the authorized
// set and active.
func (s *Server) cosignerActive(pubkey []byte) bool {
	return s.cosigners[hex.EncodeToString(pubkey)]
}

// AddCosigner activates a cosigner public key. Admin-gated.
func (s *Server) AddCosigner(ctx context.Context, caller string, pubkey []byte) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("bad cosigner pubkey: %w", err)
	}
	key := hex.EncodeToString(pub.SerializeCompressed())

	s.Lock()
	defer s.Unlock()
	old := s.cosigners[key]
	s.cosigners[key] = true
	if err := s.db.SaveCosigners(ctx, s.cosigners); err != nil {
		s.cosigners[key] = old
		return fmt.Errorf("persist cosigners: %w", err)
	}
	s.log.Infof("Cosigner %s activated", key)
	s.events.publish(Event{
		Type:  EventParamChange,
		Param: "cosigner:" + key,
		Old:   fmt.Sprintf("%t", old),
		New:   "true",
	})
	return nil
}

// RemoveCosigner deactivates a cosigner. Signatures it produced earlier are
// retroactively rejected. Admin-gated.
func (s *Server) RemoveCosigner(ctx context.Context, caller string, pubkey []byte) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("bad cosigner pubkey: %w", err)
	}
	key := hex.EncodeToString(pub.SerializeCompressed())

	s.Lock()
	defer s.Unlock()
	old, ok := s.cosigners[key]
	if !ok {
		return ErrCosignerUnknown
	}
	s.cosigners[key] = false
	if err := s.db.SaveCosigners(ctx, s.cosigners); err != nil {
		s.cosigners[key] = old
		return fmt.Errorf("persist cosigners: %w", err)
	}
	s.log.Infof("Cosigner %s deactivated", key)
	s.events.publish(Event{
		Type:  EventParamChange,
		Param: "cosigner:" + key,
		Old:   fmt.Sprintf("%t", old),
		New:   "false",
	})
	return nil
}

// CosignerSet returns a copy of the cosigner activation map.
func (s *Server) CosignerSet() map[string]bool {
	s.RLock()
	defer s.RUnlock()
	out := make(map[string]bool, len(s.cosigners))
	for k, v := range s.cosigners {
		out[k] = v
	}
	return out
}
