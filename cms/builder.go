package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"sort"
	"time"

	"github.com/georgepadayatti/gopkd/certvalidator"
)

// SignatureAlgorithm represents a signature algorithm with its hash.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: certvalidator.OIDRSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA384WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: certvalidator.OIDRSAWithSHA384,
		Hash:               crypto.SHA384,
	}
	SHA256WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: certvalidator.OIDECDSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA384WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: certvalidator.OIDECDSAWithSHA384,
		Hash:               crypto.SHA384,
	}
)

// signedData and signerInfo are the encoding-side shapes of SignedData.
type signedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

// Builder produces SignedData with encapsulated content. It is used to
// issue test and interop fixtures (SOD, Master List, Deviation List).
type Builder struct {
	Certificate *x509.Certificate
	CertChain   []*x509.Certificate
	PrivateKey  crypto.Signer
	Algorithm   SignatureAlgorithm
	ContentType asn1.ObjectIdentifier
	SigningTime time.Time

	// OmitCertificates leaves the certificates field empty.
	OmitCertificates bool
	// OmitSignedAttributes signs the content directly.
	OmitSignedAttributes bool
}

// NewBuilder creates a Builder for eContentType contentType.
func NewBuilder(cert *x509.Certificate, key crypto.Signer, alg SignatureAlgorithm, contentType asn1.ObjectIdentifier) *Builder {
	return &Builder{
		Certificate: cert,
		PrivateKey:  key,
		Algorithm:   alg,
		ContentType: contentType,
		SigningTime: time.Now().UTC(),
	}
}

// SetCertificateChain sets additional certificates to embed.
func (b *Builder) SetCertificateChain(chain []*x509.Certificate) {
	b.CertChain = chain
}

// SetSigningTime sets the signing time.
func (b *Builder) SetSigningTime(t time.Time) {
	b.SigningTime = t.UTC()
}

// Sign encapsulates content and returns the DER ContentInfo.
func (b *Builder) Sign(content []byte) ([]byte, error) {
	if b.Certificate == nil || b.PrivateKey == nil {
		return nil, ErrMissingCertificate
	}
	if !b.Algorithm.Hash.Available() {
		return nil, fmt.Errorf("%w: digest %v", certvalidator.ErrAlgorithmNotSupported, b.Algorithm.Hash)
	}
	contentType := b.ContentType
	if contentType == nil {
		contentType = OIDData
	}

	digestAlg := AlgorithmIdentifier{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: asn1.NullRawValue}

	toSign := content
	var signedAttrs []Attribute
	if !b.OmitSignedAttributes {
		h := b.Algorithm.Hash.New()
		h.Write(content)
		var err error
		signedAttrs, err = b.buildSignedAttributes(contentType, h.Sum(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to build signed attributes: %w", err)
		}
		toSign, err = asn1.Marshal(signedAttrs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
		}
		toSign[0] = 0x31 // SET tag
	}

	signature, err := b.sign(toSign)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	eContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []AlgorithmIdentifier{digestAlg},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: contentType,
			EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: eContent},
		},
		SignerInfos: []signerInfo{{
			Version: 1,
			SID: IssuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
				SerialNumber: b.Certificate.SerialNumber,
			},
			DigestAlgorithm: digestAlg,
			SignedAttrs:     signedAttrs,
			SignatureAlgorithm: AlgorithmIdentifier{
				Algorithm:  b.Algorithm.SignatureAlgorithm,
				Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
			},
			Signature: signature,
		}},
	}
	if !b.OmitCertificates {
		sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: b.Certificate.Raw})
		for _, cert := range b.CertChain {
			sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: cert.Raw})
		}
	}

	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdBytes},
	})
}

func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	if certvalidator.GetSignatureAlgorithmFromOID(oid) == certvalidator.SigAlgoRSAPKCS1v15 {
		return asn1.NullRawValue
	}
	return asn1.RawValue{}
}

func (b *Builder) buildSignedAttributes(contentType asn1.ObjectIdentifier, messageDigest []byte) ([]Attribute, error) {
	values := []struct {
		oid asn1.ObjectIdentifier
		val interface{}
	}{
		{OIDContentType, contentType},
		{OIDSigningTime, b.SigningTime.UTC()},
		{OIDMessageDigest, messageDigest},
	}

	attrs := make([]Attribute, 0, len(values))
	for _, v := range values {
		der, err := asn1.Marshal(v.val)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, Attribute{Type: v.oid, Values: []asn1.RawValue{{FullBytes: der}}})
	}
	return derSortAttributes(attrs), nil
}

// sign signs data, leaving the digest to the key type.
func (b *Builder) sign(data []byte) ([]byte, error) {
	h := b.Algorithm.Hash.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch key := b.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, b.Algorithm.Hash, digest)
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, key, digest)
	default:
		return b.PrivateKey.Sign(rand.Reader, digest, b.Algorithm.Hash)
	}
}

// derSortAttributes orders attributes by their DER encoding, as a DER SET OF
// requires.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})

	result := make([]Attribute, len(attrs))
	for i, a := range sorted {
		result[i] = a.attr
	}
	return result
}
