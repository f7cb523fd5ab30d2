// Package deviation parses ICAO Deviation Lists (Doc 9303 Part 12), the
// signed lists of known defects in issued travel documents and certificates.
package deviation

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"time"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/der"
	"github.com/georgepadayatti/gopkd/icao"
)

// Entry is one deviation affecting the documents signed under a certificate.
type Entry struct {
	IssuerCountry string `json:"issuerCountry,omitempty"`
	IssuerDN      string `json:"issuerDn,omitempty"`
	SerialHex     string `json:"serial,omitempty"`
	SubjectKeyID  string `json:"subjectKeyId,omitempty"`
	DocumentType  string `json:"documentType,omitempty"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

// List is a decoded Deviation List.
type List struct {
	Version        int                 `json:"version"`
	Signer         *x509.Certificate   `json:"-"`
	SignerSubject  string              `json:"signer,omitempty"`
	SignatureValid bool                `json:"signatureValid"`
	SigningTime    string              `json:"signingTime,omitempty"`
	Certificates   []*x509.Certificate `json:"-"`
	Entries        []Entry             `json:"entries"`
	Warnings       []string            `json:"warnings,omitempty"`
	Success        bool                `json:"success"`
	Error          string              `json:"error,omitempty"`
}

// IsDeviationList reports whether data carries the Deviation List content
// type OID.
func IsDeviationList(data []byte) bool {
	return der.ContainsOID(data, icao.OIDDeviationList, 0)
}

// Parse decodes a Deviation List, verifies its signer's signature and
// extracts the embedded certificates other than the signer's. Entry
// extraction is best effort: a malformed deviation stops the walk with a
// warning and keeps the entries read so far.
func Parse(data []byte) (*List, error) {
	if len(data) == 0 {
		return nil, certvalidator.NewConfigurationError("parse deviation list", certvalidator.ErrEmptyInput)
	}

	list := &List{Entries: []Entry{}}
	if !IsDeviationList(data) {
		list.Error = fmt.Sprintf("deviation list OID %s not found", icao.OIDDeviationList)
		return list, nil
	}

	msg, err := cms.ParseSignedData(data)
	if err != nil {
		list.Error = certvalidator.NewParseError("invalid deviation list signed data", err).Error()
		return list, nil
	}
	if !msg.ContentType.Equal(icao.OIDDeviationList) {
		list.Error = fmt.Sprintf("unexpected content type %s", msg.ContentType)
		return list, nil
	}

	signer := msg.Signer()
	if signer == nil {
		list.Error = cms.ErrNoSignerInfo.Error()
		return list, nil
	}
	if !signer.SigningTime.IsZero() {
		list.SigningTime = signer.SigningTime.UTC().Format(time.RFC3339)
	}

	list.Signer, err = msg.SignerCertificate(signer)
	if err != nil {
		list.Warnings = append(list.Warnings, err.Error())
	} else {
		list.SignerSubject = list.Signer.Subject.String()
		if err := msg.Verify(list.Signer); err != nil {
			list.Warnings = append(list.Warnings, fmt.Sprintf("signature verification failed: %v", err))
		} else {
			list.SignatureValid = true
		}
		if c := certvalidator.Classify(list.Signer); c.Type != certvalidator.TypeDLSigner {
			list.Warnings = append(list.Warnings, fmt.Sprintf("signer is classified %s, not %s", c.Type, certvalidator.TypeDLSigner))
		}
	}

	for _, cert := range msg.Certificates {
		if list.Signer != nil && cert.Equal(list.Signer) {
			continue
		}
		list.Certificates = append(list.Certificates, cert)
	}
	if msg.UnparsedCertificates > 0 {
		list.Warnings = append(list.Warnings, fmt.Sprintf("%d embedded certificates could not be parsed", msg.UnparsedCertificates))
	}

	version, entries, err := parseDeviations(msg.Content)
	list.Version = version
	list.Entries = append(list.Entries, entries...)
	if err != nil {
		list.Warnings = append(list.Warnings, fmt.Sprintf("deviation entries: %v", err))
	}

	list.Success = true
	return list, nil
}

var (
	tagDocumentType = cbasn1.Tag(0).ContextSpecific()
	tagDSCID        = cbasn1.Tag(1).Constructed().ContextSpecific()
	tagSKI          = cbasn1.Tag(0).ContextSpecific()
)

// parseDeviations walks
//
//	DeviationList ::= SEQUENCE {
//	  version     INTEGER,
//	  digestAlg   AlgorithmIdentifier OPTIONAL,
//	  deviations  SET OF SignedDeviation }
//
//	SignedDeviation ::= SEQUENCE {
//	  documents     DeviationDocuments,
//	  descriptions  SET OF DeviationDescription }
func parseDeviations(content []byte) (int, []Entry, error) {
	var entries []Entry

	seq, err := der.NewCursor(content).ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return 0, nil, err
	}
	version, err := seq.ReadInt()
	if err != nil {
		return 0, nil, err
	}
	if err := seq.SkipOptional(cbasn1.SEQUENCE); err != nil {
		return int(version), nil, err
	}
	deviations, err := seq.ReadElement(cbasn1.SET)
	if err != nil {
		return int(version), nil, err
	}

	for !deviations.Empty() {
		dev, err := deviations.ReadElement(cbasn1.SEQUENCE)
		if err != nil {
			return int(version), entries, err
		}
		parsed, err := parseSignedDeviation(dev)
		if err != nil {
			return int(version), entries, err
		}
		entries = append(entries, parsed...)
	}
	return int(version), entries, nil
}

func parseSignedDeviation(dev *der.Cursor) ([]Entry, error) {
	docs, err := dev.ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return nil, err
	}
	var base Entry
	for !docs.Empty() {
		tag, field, err := docs.ReadAnyElement()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagDocumentType:
			base.DocumentType = string(field.Bytes())
		case tagDSCID:
			if err := parseCertificateIdentifier(field, &base); err != nil {
				return nil, err
			}
		}
	}

	descs, err := dev.ReadElement(cbasn1.SET)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for !descs.Empty() {
		desc, err := descs.ReadElement(cbasn1.SEQUENCE)
		if err != nil {
			return entries, err
		}
		e := base
		if tag, ok := desc.NextTag(); ok && tag != cbasn1.OBJECT_IDENTIFIER {
			if e.Reason, err = desc.ReadString(); err != nil {
				return entries, err
			}
		}
		oid, err := desc.ReadOID()
		if err != nil {
			return entries, err
		}
		e.Detail = oid.String()
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		entries = append(entries, base)
	}
	return entries, nil
}

// parseCertificateIdentifier decodes the CHOICE of IssuerAndSerialNumber
// or [0] SubjectKeyIdentifier.
func parseCertificateIdentifier(c *der.Cursor, e *Entry) error {
	if c.PeekTag(tagSKI) {
		ski, err := c.ReadElement(tagSKI)
		if err != nil {
			return err
		}
		e.SubjectKeyID = hex.EncodeToString(ski.Bytes())
		return nil
	}

	ias, err := c.ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return err
	}
	issuer, err := ias.ReadRawElement(cbasn1.SEQUENCE)
	if err != nil {
		return err
	}
	serial, err := ias.ReadBigInt()
	if err != nil {
		return err
	}

	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(issuer, &rdn); err != nil {
		return certvalidator.NewParseError("invalid issuer name", err)
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	e.IssuerDN = name.String()
	e.IssuerCountry = certvalidator.CountryCode(name)
	e.SerialHex = certvalidator.SerialHex(serial)
	return nil
}
