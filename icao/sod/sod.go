// Package sod parses the Document Security Object (EF.SOD) of an eMRTD and
// verifies its signature and data group hashes.
package sod

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/der"
	"github.com/georgepadayatti/gopkd/icao"
)

// Data group numbers defined by ICAO 9303 Part 10. DG1 to DG15 are the
// application data groups; DG16 (persons to notify) is the last one an
// LDS security object may hash.
const (
	MinDataGroup = 1
	MaxDataGroup = 16
)

var (
	// ErrDataGroupNotFound is returned when the SOD holds no hash for a data group.
	ErrDataGroupNotFound = errors.New("data group hash not present in SOD")
	// ErrNotLDSSecurityObject is reported when the eContentType is not id-icao-ldsSecurityObject.
	ErrNotLDSSecurityObject = errors.New("encapsulated content is not an LDS security object")
)

// Data is the decoded content of an EF.SOD.
type Data struct {
	SignatureAlgorithm    string            `json:"signatureAlgorithm"`
	SignatureAlgorithmOID string            `json:"signatureAlgorithmOid"`
	HashAlgorithm         string            `json:"hashAlgorithm"`
	HashAlgorithmOID      string            `json:"hashAlgorithmOid"`
	LDSHashAlgorithm      string            `json:"ldsHashAlgorithm,omitempty"`
	LDSHashAlgorithmOID   string            `json:"ldsHashAlgorithmOid,omitempty"`
	LDSVersion            int               `json:"ldsVersion"`
	SigningTime           string            `json:"signingTime,omitempty"`
	DSC                   *x509.Certificate `json:"-"`
	DataGroupHashes       map[int]string    `json:"dataGroupHashes"`
	Warnings              []string          `json:"warnings,omitempty"`
	Success               bool              `json:"success"`
	Error                 string            `json:"error,omitempty"`

	// digestOID is the algorithm the data group hashes were computed with.
	digestOID asn1.ObjectIdentifier
}

// SignatureVerdict is the outcome of VerifySignature.
type SignatureVerdict struct {
	Valid   bool   `json:"valid"`
	Signer  string `json:"signer,omitempty"`
	Message string `json:"message"`
}

// Parse decodes an EF.SOD. Malformed input yields a Data with Success false
// and Error set; only empty input is returned as an error.
func Parse(data []byte) (*Data, error) {
	if len(data) == 0 {
		return nil, certvalidator.NewConfigurationError("parse SOD", certvalidator.ErrEmptyInput)
	}

	out := &Data{DataGroupHashes: make(map[int]string)}

	msg, err := parseContainer(data)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}

	signer := msg.Signer()
	if signer == nil {
		out.Error = cms.ErrNoSignerInfo.Error()
		return out, nil
	}

	sigOID := signer.SignatureAlgorithm.Algorithm
	out.SignatureAlgorithmOID = sigOID.String()
	out.SignatureAlgorithm, err = icao.SignatureAlgorithmName(sigOID)
	if err != nil {
		out.Warnings = append(out.Warnings, err.Error())
	}
	hashOID := signer.DigestAlgorithm.Algorithm
	out.digestOID = hashOID
	out.HashAlgorithmOID = hashOID.String()
	out.HashAlgorithm, err = icao.HashAlgorithmName(hashOID)
	if err != nil {
		out.Warnings = append(out.Warnings, err.Error())
	}

	if cert, err := msg.SignerCertificate(signer); err == nil {
		out.DSC = cert
	} else if len(msg.Certificates) > 0 {
		out.DSC = msg.Certificates[0]
		out.Warnings = append(out.Warnings, "signer identifier does not match an embedded certificate")
	} else {
		out.Warnings = append(out.Warnings, "no document signer certificate embedded")
	}

	if !signer.SigningTime.IsZero() {
		out.SigningTime = signer.SigningTime.UTC().Format(time.RFC3339)
	}

	if !msg.ContentType.Equal(icao.OIDLDSSecurityObject) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%v: %s", ErrNotLDSSecurityObject, msg.ContentType))
	}

	lds, err := parseLDSSecurityObject(msg.Content)
	out.DataGroupHashes = lds.hashes
	out.LDSVersion = lds.version
	if lds.hashOID != nil {
		out.digestOID = lds.hashOID
		out.LDSHashAlgorithmOID = lds.hashOID.String()
		out.LDSHashAlgorithm, _ = icao.HashAlgorithmName(lds.hashOID)
	}
	out.Warnings = append(out.Warnings, lds.warnings...)
	if err != nil {
		out.Error = fmt.Sprintf("LDS security object: %v", err)
		return out, nil
	}

	out.Success = true
	return out, nil
}

// parseContainer strips the optional 0x77 wrapper and decodes the CMS.
func parseContainer(data []byte) (*cms.SignedMessage, error) {
	payload, _, err := der.UnwrapTag(data, icao.SODTag)
	if err != nil {
		return nil, certvalidator.NewParseError("invalid SOD wrapper", err)
	}
	msg, err := cms.ParseSignedData(payload)
	if err != nil {
		return nil, certvalidator.NewParseError("invalid SOD signed data", err)
	}
	return msg, nil
}

type ldsSecurityObject struct {
	version  int
	hashOID  asn1.ObjectIdentifier
	hashes   map[int]string
	warnings []string
}

// parseLDSSecurityObject walks
//
//	LDSSecurityObject ::= SEQUENCE {
//	  version                LDSSecurityObjectVersion,
//	  hashAlgorithm          DigestAlgorithmIdentifier,
//	  dataGroupHashValues    SEQUENCE SIZE (2..ub-DataGroups) OF DataGroupHash,
//	  ldsVersionInfo         LDSVersionInfo OPTIONAL }
//
// The hashes read before a malformed entry are kept.
func parseLDSSecurityObject(content []byte) (ldsSecurityObject, error) {
	lds := ldsSecurityObject{hashes: make(map[int]string)}

	seq, err := der.NewCursor(content).ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return lds, err
	}
	if seq.PeekTag(cbasn1.INTEGER) {
		v, err := seq.ReadInt()
		if err != nil {
			return lds, err
		}
		lds.version = int(v)
	}

	alg, err := seq.ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return lds, err
	}
	if lds.hashOID, err = alg.ReadOID(); err != nil {
		return lds, err
	}

	values, err := seq.ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return lds, err
	}
	for !values.Empty() {
		entry, err := values.ReadElement(cbasn1.SEQUENCE)
		if err != nil {
			return lds, err
		}
		n, err := entry.ReadInt()
		if err != nil {
			return lds, err
		}
		digest, err := entry.ReadOctetString()
		if err != nil {
			return lds, err
		}
		if n < MinDataGroup || n > MaxDataGroup {
			return lds, &der.Error{Op: "read data group hash", Offset: entry.Offset(), Err: fmt.Errorf("%w: data group number %d", der.ErrMalformed, n)}
		}
		if _, dup := lds.hashes[int(n)]; dup {
			lds.warnings = append(lds.warnings, fmt.Sprintf("duplicate hash for DG%d ignored", n))
			continue
		}
		lds.hashes[int(n)] = hex.EncodeToString(digest)
	}
	return lds, nil
}

// VerifySignature checks the cryptographic binding between the SOD's
// encapsulated content and its signature using dsc's public key. Path
// validation of dsc is out of its scope.
func VerifySignature(data []byte, dsc *x509.Certificate) (*SignatureVerdict, error) {
	if len(data) == 0 {
		return nil, certvalidator.NewConfigurationError("verify SOD signature", certvalidator.ErrEmptyInput)
	}
	if dsc == nil {
		return nil, certvalidator.NewConfigurationError("verify SOD signature", certvalidator.ErrNilCertificate)
	}

	verdict := &SignatureVerdict{Signer: dsc.Subject.String()}
	msg, err := parseContainer(data)
	if err != nil {
		verdict.Message = err.Error()
		return verdict, nil
	}
	if err := msg.Verify(dsc); err != nil {
		verdict.Message = fmt.Sprintf("signature verification failed: %v", err)
		return verdict, nil
	}
	verdict.Valid = true
	verdict.Message = "SOD signature is valid"
	return verdict, nil
}

// VerifyDataGroup hashes content with the LDS hash algorithm and compares it
// with the stored hash for data group dg. data must come from Parse.
func VerifyDataGroup(data *Data, dg int, content []byte) (bool, error) {
	if data == nil {
		return false, certvalidator.NewConfigurationError("verify data group", errors.New("nil SOD data"))
	}
	stored, ok := data.DataGroupHashes[dg]
	if !ok {
		return false, fmt.Errorf("%w: DG%d", ErrDataGroupNotFound, dg)
	}
	if data.digestOID == nil {
		return false, fmt.Errorf("%w: no digest algorithm recorded", icao.ErrUnknownAlgorithm)
	}
	h, err := icao.HashFromOID(data.digestOID)
	if err != nil {
		return false, err
	}
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false, fmt.Errorf("stored hash for DG%d is not hex: %w", dg, err)
	}
	digest := h.New()
	digest.Write(content)
	return bytes.Equal(digest.Sum(nil), want), nil
}
