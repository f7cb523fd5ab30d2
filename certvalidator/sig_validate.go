package certvalidator

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/georgepadayatti/gopkd/icao"
)

// Signature validation errors
var (
	// ErrAlgorithmNotSupported is returned when a signature algorithm is not supported.
	ErrAlgorithmNotSupported = errors.New("algorithm not supported")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignatureAlgorithm represents a signature scheme family.
type SignatureAlgorithm int

const (
	SigAlgoUnknown SignatureAlgorithm = iota
	SigAlgoRSAPKCS1v15
	SigAlgoRSAPSS
	SigAlgoECDSA
	// SigAlgoECDSAPlain is ECDSA with a raw r||s signature (BSI TR-03111).
	SigAlgoECDSAPlain
	SigAlgoEd25519
)

// String returns the string representation of the signature algorithm.
func (a SignatureAlgorithm) String() string {
	switch a {
	case SigAlgoRSAPKCS1v15:
		return "rsassa_pkcs1v15"
	case SigAlgoRSAPSS:
		return "rsassa_pss"
	case SigAlgoECDSA:
		return "ecdsa"
	case SigAlgoECDSAPlain:
		return "ecdsa_plain"
	case SigAlgoEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

// OIDs for signature algorithms seen in national PKD content.
var (
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDRSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDRSAPSS        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDRSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDRSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDRSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}

	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// BSI TR-03111 ecdsa-plain-signatures
	OIDPlainECDSAWithSHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 1}
	OIDPlainECDSAWithSHA224 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 2}
	OIDPlainECDSAWithSHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 3}
	OIDPlainECDSAWithSHA384 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 4}
	OIDPlainECDSAWithSHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 5}

	OIDEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
)

type sigAlgorithmEntry struct {
	oid  asn1.ObjectIdentifier
	algo SignatureAlgorithm
	hash crypto.Hash
}

// A zero hash means the digest is taken from the validation context.
var sigAlgorithmTable = []sigAlgorithmEntry{
	{OIDRSAEncryption, SigAlgoRSAPKCS1v15, 0},
	{OIDRSAWithSHA1, SigAlgoRSAPKCS1v15, crypto.SHA1},
	{OIDRSAWithSHA224, SigAlgoRSAPKCS1v15, crypto.SHA224},
	{OIDRSAWithSHA256, SigAlgoRSAPKCS1v15, crypto.SHA256},
	{OIDRSAWithSHA384, SigAlgoRSAPKCS1v15, crypto.SHA384},
	{OIDRSAWithSHA512, SigAlgoRSAPKCS1v15, crypto.SHA512},
	{OIDRSAPSS, SigAlgoRSAPSS, 0},
	{OIDECPublicKey, SigAlgoECDSA, 0},
	{OIDECDSAWithSHA1, SigAlgoECDSA, crypto.SHA1},
	{OIDECDSAWithSHA224, SigAlgoECDSA, crypto.SHA224},
	{OIDECDSAWithSHA256, SigAlgoECDSA, crypto.SHA256},
	{OIDECDSAWithSHA384, SigAlgoECDSA, crypto.SHA384},
	{OIDECDSAWithSHA512, SigAlgoECDSA, crypto.SHA512},
	{OIDPlainECDSAWithSHA1, SigAlgoECDSAPlain, crypto.SHA1},
	{OIDPlainECDSAWithSHA224, SigAlgoECDSAPlain, crypto.SHA224},
	{OIDPlainECDSAWithSHA256, SigAlgoECDSAPlain, crypto.SHA256},
	{OIDPlainECDSAWithSHA384, SigAlgoECDSAPlain, crypto.SHA384},
	{OIDPlainECDSAWithSHA512, SigAlgoECDSAPlain, crypto.SHA512},
	{OIDEd25519, SigAlgoEd25519, 0},
}

func lookupSigAlgorithm(oid asn1.ObjectIdentifier) (sigAlgorithmEntry, bool) {
	for _, e := range sigAlgorithmTable {
		if e.oid.Equal(oid) {
			return e, true
		}
	}
	return sigAlgorithmEntry{}, false
}

// GetSignatureAlgorithmFromOID returns the signature scheme for an OID.
func GetSignatureAlgorithmFromOID(oid asn1.ObjectIdentifier) SignatureAlgorithm {
	e, _ := lookupSigAlgorithm(oid)
	return e.algo
}

// GetHashAlgorithmFromSigOID extracts the hash algorithm from a signature
// algorithm OID. Zero is returned when the OID does not name a digest.
func GetHashAlgorithmFromSigOID(oid asn1.ObjectIdentifier) crypto.Hash {
	e, _ := lookupSigAlgorithm(oid)
	return e.hash
}

// SignatureValidationContext provides additional context for signature validation.
type SignatureValidationContext struct {
	// ContextualMDAlgorithm is the digest algorithm inferred from context,
	// e.g. the CMS SignerInfo digestAlgorithm when the signature OID is a
	// bare key algorithm such as rsaEncryption or ecPublicKey.
	ContextualMDAlgorithm crypto.Hash

	// Prehashed indicates whether the payload was pre-hashed.
	Prehashed bool
}

// SignedDigestAlgorithm is an AlgorithmIdentifier naming a signature scheme.
type SignedDigestAlgorithm struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// SignatureValidator abstracts cryptographic signature validation.
type SignatureValidator interface {
	ValidateSignature(
		signature []byte,
		signedData []byte,
		publicKey crypto.PublicKey,
		sigAlgorithm *SignedDigestAlgorithm,
		context *SignatureValidationContext,
	) error
}

// DefaultSignatureValidator is the default implementation of SignatureValidator.
type DefaultSignatureValidator struct{}

// NewDefaultSignatureValidator creates a new default signature validator.
func NewDefaultSignatureValidator() *DefaultSignatureValidator {
	return &DefaultSignatureValidator{}
}

// ValidateSignature validates a signature using Go's crypto libraries.
func (v *DefaultSignatureValidator) ValidateSignature(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
	sigAlgorithm *SignedDigestAlgorithm,
	context *SignatureValidationContext,
) error {
	if sigAlgorithm == nil {
		return fmt.Errorf("%w: missing algorithm identifier", ErrAlgorithmNotSupported)
	}
	if context == nil {
		context = &SignatureValidationContext{}
	}

	entry, ok := lookupSigAlgorithm(sigAlgorithm.Algorithm)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, sigAlgorithm.Algorithm)
	}
	hashAlgo := entry.hash
	if hashAlgo == 0 {
		hashAlgo = context.ContextualMDAlgorithm
	}

	switch entry.algo {
	case SigAlgoRSAPKCS1v15:
		return v.verifyRSAPKCS1v15(signature, signedData, publicKey, hashAlgo, context.Prehashed)
	case SigAlgoRSAPSS:
		return v.verifyRSAPSS(signature, signedData, publicKey, sigAlgorithm, context)
	case SigAlgoECDSA, SigAlgoECDSAPlain:
		return v.verifyECDSA(signature, signedData, publicKey, hashAlgo, context.Prehashed)
	case SigAlgoEd25519:
		return v.verifyEd25519(signature, signedData, publicKey)
	default:
		return fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, entry.algo)
	}
}

func digest(hashAlgo crypto.Hash, data []byte, prehashed bool) ([]byte, error) {
	if prehashed {
		return data, nil
	}
	if !hashAlgo.Available() {
		return nil, fmt.Errorf("%w: digest algorithm %d unavailable", ErrAlgorithmNotSupported, hashAlgo)
	}
	h := hashAlgo.New()
	h.Write(data)
	return h.Sum(nil), nil
}

func (v *DefaultSignatureValidator) verifyRSAPKCS1v15(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
	hashAlgo crypto.Hash,
	prehashed bool,
) error {
	rsaKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("expected RSA public key, got %T", publicKey)
	}

	hash, err := digest(hashAlgo, signedData, prehashed)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(rsaKey, hashAlgo, hash, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// RSAPSSParams represents RSASSA-PSS-params (RFC 4055).
type RSAPSSParams struct {
	HashAlgorithm    pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:0"`
	MaskGenAlgorithm pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SaltLength       int                      `asn1:"optional,explicit,tag:2,default:20"`
	TrailerField     int                      `asn1:"optional,explicit,tag:3,default:1"`
}

func (v *DefaultSignatureValidator) verifyRSAPSS(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
	sigAlgorithm *SignedDigestAlgorithm,
	context *SignatureValidationContext,
) error {
	rsaKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("expected RSA public key, got %T", publicKey)
	}

	pssParams := RSAPSSParams{SaltLength: 20}
	if len(sigAlgorithm.Parameters.Bytes) > 0 {
		if _, err := asn1.Unmarshal(sigAlgorithm.Parameters.FullBytes, &pssParams); err != nil {
			return fmt.Errorf("failed to parse PSS parameters: %w", err)
		}
	}

	var hashAlgo crypto.Hash
	if len(pssParams.HashAlgorithm.Algorithm) > 0 {
		h, err := icao.HashFromOID(pssParams.HashAlgorithm.Algorithm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAlgorithmNotSupported, err)
		}
		hashAlgo = h
	}
	if hashAlgo == 0 {
		hashAlgo = context.ContextualMDAlgorithm
	}
	if hashAlgo == 0 {
		hashAlgo = crypto.SHA1
	}

	hash, err := digest(hashAlgo, signedData, context.Prehashed)
	if err != nil {
		return err
	}

	opts := &rsa.PSSOptions{SaltLength: pssParams.SaltLength, Hash: hashAlgo}
	if err := rsa.VerifyPSS(rsaKey, hashAlgo, hash, signature, opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyECDSA accepts both the ASN.1 Ecdsa-Sig-Value encoding and the raw
// r||s concatenation.
func (v *DefaultSignatureValidator) verifyECDSA(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
	hashAlgo crypto.Hash,
	prehashed bool,
) error {
	ecdsaKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("expected ECDSA public key, got %T", publicKey)
	}

	hash, err := digest(hashAlgo, signedData, prehashed)
	if err != nil {
		return err
	}

	var ecdsaSig struct {
		R, S *big.Int
	}
	if rest, err := asn1.Unmarshal(signature, &ecdsaSig); err == nil && len(rest) == 0 {
		if !ecdsa.Verify(ecdsaKey, hash, ecdsaSig.R, ecdsaSig.S) {
			return ErrInvalidSignature
		}
		return nil
	}

	keySize := (ecdsaKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keySize {
		return fmt.Errorf("%w: ECDSA signature length %d", ErrInvalidSignature, len(signature))
	}

	r := new(big.Int).SetBytes(signature[:keySize])
	s := new(big.Int).SetBytes(signature[keySize:])
	if !ecdsa.Verify(ecdsaKey, hash, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *DefaultSignatureValidator) verifyEd25519(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
) error {
	ed25519Key, ok := publicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("expected Ed25519 public key, got %T", publicKey)
	}

	if !ed25519.Verify(ed25519Key, signedData, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// certificateEnvelope is the outer Certificate SEQUENCE. The signature
// algorithm is read from here rather than from x509.Certificate so that
// schemes unknown to crypto/x509 (plain ECDSA) keep their parameters.
type certificateEnvelope struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm SignedDigestAlgorithm
	SignatureValue     asn1.BitString
}

// VerifyCertificateSignature checks that cert was signed by the private key
// belonging to issuerKey. Unlike x509.Certificate.CheckSignatureFrom it puts
// no CA or key usage requirements on the signer.
func VerifyCertificateSignature(cert *x509.Certificate, issuerKey crypto.PublicKey) error {
	return verifyCertificateSignatureWith(NewDefaultSignatureValidator(), cert, issuerKey)
}

func verifyCertificateSignatureWith(validator SignatureValidator, cert *x509.Certificate, issuerKey crypto.PublicKey) error {
	if cert == nil {
		return ErrNilCertificate
	}
	if issuerKey == nil {
		return fmt.Errorf("%w: issuer public key is nil", ErrInvalidSignature)
	}

	var env certificateEnvelope
	if _, err := asn1.Unmarshal(cert.Raw, &env); err != nil {
		return NewParseError("failed to decode certificate envelope", err)
	}

	return validator.ValidateSignature(
		env.SignatureValue.RightAlign(),
		cert.RawTBSCertificate,
		issuerKey,
		&env.SignatureAlgorithm,
		nil,
	)
}

// ValidateSignatureRaw is a convenience function for raw signature validation.
func ValidateSignatureRaw(
	signature []byte,
	signedData []byte,
	publicKey crypto.PublicKey,
	sigAlgoOID asn1.ObjectIdentifier,
	hashAlgo crypto.Hash,
) error {
	sigAlgorithm := &SignedDigestAlgorithm{Algorithm: sigAlgoOID}
	context := &SignatureValidationContext{ContextualMDAlgorithm: hashAlgo}
	return NewDefaultSignatureValidator().ValidateSignature(signature, signedData, publicKey, sigAlgorithm, context)
}
