package signing

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
)

// nonceCoefTag is the BIP-327 tag for the nonce coefficient b.
var nonceCoefTag = []byte("MuSig/noncecoef")

// inputContext is everything the committee needs to sign one input. It is
// derived from the graph alone, so every verifier computes the same values.
type inputContext struct {
	ref   graph.InputRef
	input *graph.Input
	keys  []*btcec.PublicKey
	msg   [32]byte

	// finalKey is the key the aggregate signature verifies under: the
	// tweaked output key for key path spends and the plain aggregate key
	// for script path spends.
	finalKey *btcec.PublicKey

	// Key path only. tweakRoot is the script tree root; bip86 is set when
	// the output has no tree.
	tweakRoot []byte
	bip86     bool
}

func newInputContext(g *graph.Graph, committee *scripts.Committee, ref graph.InputRef) (*inputContext, error) {
	in, err := g.Input(ref)
	if err != nil {
		return nil, err
	}
	if in.Signer != graph.SignerCommittee {
		return nil, fmt.Errorf("%w: %s is signed by the %s", ErrUnknownInput, ref, in.Signer)
	}

	msg, err := g.SigHash(ref)
	if err != nil {
		return nil, err
	}

	ic := &inputContext{
		ref:   ref,
		input: in,
		keys:  committee.Keys(),
		msg:   msg,
	}
	if in.Path == graph.SpendKeyPath {
		if len(in.MerkleRoot) > 0 {
			ic.tweakRoot = in.MerkleRoot
		} else {
			ic.bip86 = true
		}
	}

	aggKey, _, _, err := musig2.AggregateKeys(ic.keys, false, ic.keyAggOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys for %s: %w", ref, err)
	}
	ic.finalKey = aggKey.FinalKey

	if in.Path == graph.SpendKeyPath {
		if !isP2TR(in.PkScript) {
			return nil, fmt.Errorf("%w: %s does not spend a taproot output", graph.ErrInvalidGraph, ref)
		}
		if !bytes.Equal(schnorr.SerializePubKey(ic.finalKey), in.PkScript[2:]) {
			return nil, fmt.Errorf("%w: %s output key is not the committee key", graph.ErrInvalidGraph, ref)
		}
	}
	return ic, nil
}

func isP2TR(pkScript []byte) bool {
	return len(pkScript) == 34 && pkScript[0] == txscript.OP_1 && pkScript[1] == txscript.OP_DATA_32
}

func (ic *inputContext) keyAggOptions() []musig2.KeyAggOption {
	switch {
	case ic.tweakRoot != nil:
		return []musig2.KeyAggOption{musig2.WithTaprootKeyTweak(ic.tweakRoot)}
	case ic.bip86:
		return []musig2.KeyAggOption{musig2.WithBIP86KeyTweak()}
	}
	return nil
}

func (ic *inputContext) signOptions() []musig2.SignOption {
	switch {
	case ic.tweakRoot != nil:
		return []musig2.SignOption{musig2.WithTaprootSignTweak(ic.tweakRoot)}
	case ic.bip86:
		return []musig2.SignOption{musig2.WithBip86SignTweak()}
	}
	return nil
}

func (ic *inputContext) combineOptions() []musig2.CombineOption {
	switch {
	case ic.tweakRoot != nil:
		return []musig2.CombineOption{musig2.WithTaprootTweakedCombine(ic.msg, ic.keys, ic.tweakRoot, false)}
	case ic.bip86:
		return []musig2.CombineOption{musig2.WithBip86TweakedCombine(ic.msg, ic.keys, false)}
	}
	return nil
}

// sign produces this verifier's partial signature for the input.
func (ic *inputContext) sign(secNonce [musig2.SecNonceSize]byte, priv *btcec.PrivateKey, aggNonce [musig2.PubNonceSize]byte) ([]byte, error) {
	ps, err := musig2.Sign(secNonce, priv, aggNonce, ic.keys, ic.msg, ic.signOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", ic.ref, err)
	}
	return encodePartialSig(ps)
}

// verifyPartial checks one verifier's partial signature against its nonce.
func (ic *inputContext) verifyPartial(raw []byte, pubNonce, aggNonce [musig2.PubNonceSize]byte, signer *btcec.PublicKey) bool {
	ps, err := decodePartialSig(raw)
	if err != nil {
		return false
	}
	return ps.Verify(pubNonce, aggNonce, ic.keys, signer, ic.msg, ic.signOptions()...)
}

// combine aggregates the partial signatures of the whole committee, in
// committee order, and checks the result against the final key.
func (ic *inputContext) combine(aggNonce [musig2.PubNonceSize]byte, partials [][]byte) (*schnorr.Signature, error) {
	r, err := finalNonce(aggNonce, ic.finalKey, ic.msg)
	if err != nil {
		return nil, err
	}

	sigs := make([]*musig2.PartialSignature, len(partials))
	for i, raw := range partials {
		ps, err := decodePartialSig(raw)
		if err != nil {
			return nil, fmt.Errorf("partial signature %d: %w", i, err)
		}
		ps.R = r
		sigs[i] = ps
	}

	sig := musig2.CombineSigs(r, sigs, ic.combineOptions()...)
	if !sig.Verify(ic.msg[:], ic.finalKey) {
		return nil, fmt.Errorf("%w: %s", ErrAggregateInvalid, ic.ref)
	}
	return sig, nil
}

// finalNonce computes R = R1 + b*R2 with b = H_noncecoef(aggnonce || Q || msg).
// R is replaced by the generator when the sum is the point at infinity.
func finalNonce(aggNonce [musig2.PubNonceSize]byte, finalKey *btcec.PublicKey, msg [32]byte) (*btcec.PublicKey, error) {
	r1, err := btcec.ParsePubKey(aggNonce[:btcec.PubKeyBytesLenCompressed])
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate nonce R1: %v", ErrInvalidNonce, err)
	}
	r2, err := btcec.ParsePubKey(aggNonce[btcec.PubKeyBytesLenCompressed:])
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate nonce R2: %v", ErrInvalidNonce, err)
	}

	h := chainhash.TaggedHash(nonceCoefTag, aggNonce[:], schnorr.SerializePubKey(finalKey), msg[:])
	var b secp256k1.ModNScalar
	b.SetByteSlice(h[:])

	var j1, j2, j2b, r secp256k1.JacobianPoint
	r1.AsJacobian(&j1)
	r2.AsJacobian(&j2)
	secp256k1.ScalarMultNonConst(&b, &j2, &j2b)
	secp256k1.AddNonConst(&j1, &j2b, &r)

	if (r.X.IsZero() && r.Y.IsZero()) || r.Z.IsZero() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		secp256k1.ScalarBaseMultNonConst(&one, &r)
	}
	r.ToAffine()
	return secp256k1.NewPublicKey(&r.X, &r.Y), nil
}

// validatePubNonce checks that both halves of a public nonce are points.
func validatePubNonce(nonce [musig2.PubNonceSize]byte) error {
	if _, err := btcec.ParsePubKey(nonce[:btcec.PubKeyBytesLenCompressed]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if _, err := btcec.ParsePubKey(nonce[btcec.PubKeyBytesLenCompressed:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return nil
}

func encodePartialSig(ps *musig2.PartialSignature) ([]byte, error) {
	var buf bytes.Buffer
	if err := ps.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode partial signature: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePartialSig(raw []byte) (*musig2.PartialSignature, error) {
	if len(raw) != PartialSigSize {
		return nil, fmt.Errorf("partial signature must be %d bytes, got %d", PartialSigSize, len(raw))
	}
	ps := &musig2.PartialSignature{}
	if err := ps.Decode(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return ps, nil
}

func toPubNonce(raw []byte) ([musig2.PubNonceSize]byte, error) {
	var n [musig2.PubNonceSize]byte
	if len(raw) != musig2.PubNonceSize {
		return n, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrInvalidNonce, musig2.PubNonceSize, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}
