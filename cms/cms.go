// Package cms decodes and verifies the CMS SignedData envelopes that carry
// ICAO objects: EF.SOD, CSCA Master Lists and Deviation Lists.
package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/icao"
)

// OIDs for CMS content types and signed attributes.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// Common errors
var (
	ErrNotSignedData         = errors.New("not a CMS SignedData")
	ErrNoSignerInfo          = errors.New("no signer infos")
	ErrMissingCertificate    = errors.New("signer certificate not found")
	ErrMessageDigestMismatch = errors.New("message digest mismatch")
	ErrMissingMessageDigest  = errors.New("message digest attribute not found")
	ErrContentTypeMismatch   = errors.New("content type attribute does not match eContentType")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// signedDataRaw keeps certificates and signer infos undecoded so that the
// exact signed attribute bytes survive parsing.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1,set"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// signerInfoRaw is SignerInfo with the CHOICE-typed sid and the signed
// attributes kept raw.
type signerInfoRaw struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SignedMessage is a decoded SignedData with encapsulated content.
type SignedMessage struct {
	ContentType      asn1.ObjectIdentifier
	Content          []byte
	DigestAlgorithms []AlgorithmIdentifier
	Certificates     []*x509.Certificate
	CRLs             [][]byte
	Signers          []*Signer

	// UnparsedCertificates counts certificate entries crypto/x509 rejected.
	UnparsedCertificates int
}

// Signer is one decoded SignerInfo.
type Signer struct {
	Version            int
	Issuer             []byte
	SerialNumber       *big.Int
	SubjectKeyID       []byte
	DigestAlgorithm    AlgorithmIdentifier
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	SignedAttrs        []Attribute
	SigningTime        time.Time

	// rawSignedAttrs is the [0] IMPLICIT encoding as it appeared on the wire.
	rawSignedAttrs []byte
}

// HasSignedAttributes reports whether the signer covered signed attributes.
func (s *Signer) HasSignedAttributes() bool {
	return len(s.rawSignedAttrs) > 0
}

// Attribute returns the first value of the signed attribute oid.
func (s *Signer) Attribute(oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, attr := range s.SignedAttrs {
		if attr.Type.Equal(oid) && len(attr.Values) > 0 {
			return attr.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// ParseSignedData decodes a DER ContentInfo holding a SignedData.
func ParseSignedData(data []byte) (*SignedMessage, error) {
	var contentInfo ContentInfo
	rest, err := asn1.Unmarshal(data, &contentInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("failed to parse ContentInfo: %d trailing bytes", len(rest))
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrNotSignedData, contentInfo.ContentType)
	}

	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}

	msg := &SignedMessage{
		ContentType:      sd.EncapContentInfo.EContentType,
		DigestAlgorithms: sd.DigestAlgorithms,
	}
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to parse eContent: %w", err)
		}
	}

	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			msg.UnparsedCertificates++
			continue
		}
		msg.Certificates = append(msg.Certificates, cert)
	}
	for _, raw := range sd.CRLs {
		msg.CRLs = append(msg.CRLs, raw.FullBytes)
	}

	for i, raw := range sd.SignerInfos {
		signer, err := parseSigner(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SignerInfo %d: %w", i, err)
		}
		msg.Signers = append(msg.Signers, signer)
	}

	return msg, nil
}

func parseSigner(der []byte) (*Signer, error) {
	var si signerInfoRaw
	if _, err := asn1.Unmarshal(der, &si); err != nil {
		return nil, err
	}

	s := &Signer{
		Version:            si.Version,
		DigestAlgorithm:    si.DigestAlgorithm,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
	}

	switch {
	case si.SID.Class == asn1.ClassUniversal && si.SID.Tag == asn1.TagSequence:
		var ias IssuerAndSerialNumber
		if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
			return nil, fmt.Errorf("invalid issuerAndSerialNumber: %w", err)
		}
		s.Issuer = ias.Issuer.FullBytes
		s.SerialNumber = ias.SerialNumber
	case si.SID.Class == asn1.ClassContextSpecific && si.SID.Tag == 0:
		s.SubjectKeyID = si.SID.Bytes
	default:
		return nil, fmt.Errorf("unsupported signer identifier tag %d", si.SID.Tag)
	}

	if len(si.SignedAttrs.FullBytes) > 0 {
		s.rawSignedAttrs = si.SignedAttrs.FullBytes
		rest := si.SignedAttrs.Bytes
		for len(rest) > 0 {
			var attr Attribute
			var err error
			rest, err = asn1.Unmarshal(rest, &attr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse signed attribute: %w", err)
			}
			s.SignedAttrs = append(s.SignedAttrs, attr)
		}
		if v, ok := s.Attribute(OIDSigningTime); ok {
			var t time.Time
			if _, err := asn1.Unmarshal(v.FullBytes, &t); err == nil {
				s.SigningTime = t
			}
		}
	}

	return s, nil
}

// Signer returns the first signer, or nil when there are none.
func (m *SignedMessage) Signer() *Signer {
	if len(m.Signers) == 0 {
		return nil
	}
	return m.Signers[0]
}

// SignerCertificate finds the embedded certificate identified by s.
func (m *SignedMessage) SignerCertificate(s *Signer) (*x509.Certificate, error) {
	if s == nil {
		return nil, ErrNoSignerInfo
	}
	for _, cert := range m.Certificates {
		if s.Identifies(cert) {
			return cert, nil
		}
	}
	return nil, ErrMissingCertificate
}

// Identifies reports whether cert is the certificate named by the signer's
// sid.
func (s *Signer) Identifies(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if s.SerialNumber != nil {
		return cert.SerialNumber.Cmp(s.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, s.Issuer)
	}
	return len(s.SubjectKeyID) > 0 && bytes.Equal(cert.SubjectKeyId, s.SubjectKeyID)
}

// Verify checks the first signer's signature over the encapsulated content
// with cert's public key. When cert is nil the embedded signer certificate
// is used.
func (m *SignedMessage) Verify(cert *x509.Certificate) error {
	s := m.Signer()
	if s == nil {
		return ErrNoSignerInfo
	}
	if cert == nil {
		var err error
		if cert, err = m.SignerCertificate(s); err != nil {
			return err
		}
	}
	return s.Verify(m.ContentType, m.Content, cert.PublicKey)
}

// Verify checks the signature over content. With signed attributes present
// the messageDigest and contentType attributes are checked first and the
// signature covers the attributes re-tagged as a SET.
func (s *Signer) Verify(contentType asn1.ObjectIdentifier, content []byte, pub crypto.PublicKey) error {
	hashAlgo, err := icao.HashFromOID(s.DigestAlgorithm.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: %v", certvalidator.ErrAlgorithmNotSupported, err)
	}

	signed := content
	if s.HasSignedAttributes() {
		h := hashAlgo.New()
		h.Write(content)

		v, ok := s.Attribute(OIDMessageDigest)
		if !ok {
			return ErrMissingMessageDigest
		}
		var md []byte
		if _, err := asn1.Unmarshal(v.FullBytes, &md); err != nil {
			return fmt.Errorf("invalid messageDigest attribute: %w", err)
		}
		if !bytes.Equal(md, h.Sum(nil)) {
			return ErrMessageDigestMismatch
		}

		if v, ok := s.Attribute(OIDContentType); ok && contentType != nil {
			var ct asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(v.FullBytes, &ct); err != nil || !ct.Equal(contentType) {
				return ErrContentTypeMismatch
			}
		}

		signed = make([]byte, len(s.rawSignedAttrs))
		copy(signed, s.rawSignedAttrs)
		signed[0] = 0x31 // SET tag
	}

	alg := certvalidator.SignedDigestAlgorithm(s.SignatureAlgorithm)
	return certvalidator.NewDefaultSignatureValidator().ValidateSignature(
		s.Signature,
		signed,
		pub,
		&alg,
		&certvalidator.SignatureValidationContext{ContextualMDAlgorithm: hashAlgo},
	)
}
