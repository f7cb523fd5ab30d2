// Package masterlist parses CSCA Master Lists (Doc 9303 Part 12).
package masterlist

import (
	"crypto/x509"
	"fmt"
	"time"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/gopkd/certvalidator"
	"github.com/georgepadayatti/gopkd/cms"
	"github.com/georgepadayatti/gopkd/der"
	"github.com/georgepadayatti/gopkd/icao"
)

// MasterList is a decoded CSCA Master List.
type MasterList struct {
	Version        int                 `json:"version"`
	Signer         *x509.Certificate   `json:"-"`
	SignerSubject  string              `json:"signer,omitempty"`
	SignatureValid bool                `json:"signatureValid"`
	SigningTime    string              `json:"signingTime,omitempty"`
	Certificates   []*x509.Certificate `json:"-"`
	FailedCount    int                 `json:"failedCount"`
	Warnings       []string            `json:"warnings,omitempty"`
	Success        bool                `json:"success"`
	Error          string              `json:"error,omitempty"`
}

// IsMasterList reports whether data carries the Master List content type OID.
func IsMasterList(data []byte) bool {
	return der.ContainsOID(data, icao.OIDCSCAMasterList, 0)
}

// Parse decodes a Master List and verifies its signature. CSCA
// certificates that fail to decode are counted in FailedCount.
func Parse(data []byte) (*MasterList, error) {
	if len(data) == 0 {
		return nil, certvalidator.NewConfigurationError("parse master list", certvalidator.ErrEmptyInput)
	}

	ml := &MasterList{}
	msg, err := cms.ParseSignedData(data)
	if err != nil {
		ml.Error = certvalidator.NewParseError("invalid master list signed data", err).Error()
		return ml, nil
	}
	if !msg.ContentType.Equal(icao.OIDCSCAMasterList) {
		ml.Error = fmt.Sprintf("unexpected content type %s", msg.ContentType)
		return ml, nil
	}

	if signer := msg.Signer(); signer == nil {
		ml.Warnings = append(ml.Warnings, cms.ErrNoSignerInfo.Error())
	} else {
		if !signer.SigningTime.IsZero() {
			ml.SigningTime = signer.SigningTime.UTC().Format(time.RFC3339)
		}
		if ml.Signer, err = msg.SignerCertificate(signer); err != nil {
			ml.Warnings = append(ml.Warnings, err.Error())
		} else {
			ml.SignerSubject = ml.Signer.Subject.String()
			if err := msg.Verify(ml.Signer); err != nil {
				ml.Warnings = append(ml.Warnings, fmt.Sprintf("signature verification failed: %v", err))
			} else {
				ml.SignatureValid = true
			}
			if c := certvalidator.Classify(ml.Signer); c.Type != certvalidator.TypeMLSC {
				ml.Warnings = append(ml.Warnings, fmt.Sprintf("signer is classified %s, not %s", c.Type, certvalidator.TypeMLSC))
			}
		}
	}

	version, raws, err := parseCertList(msg.Content)
	ml.Version = version
	for _, raw := range raws {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			ml.FailedCount++
			continue
		}
		ml.Certificates = append(ml.Certificates, cert)
	}
	if err != nil {
		ml.Warnings = append(ml.Warnings, fmt.Sprintf("certificate list: %v", err))
	}

	ml.Success = true
	return ml, nil
}

// parseCertList walks
//
//	CscaMasterList ::= SEQUENCE {
//	  version   CscaMasterListVersion,
//	  certList  SET OF Certificate }
func parseCertList(content []byte) (int, [][]byte, error) {
	seq, err := der.NewCursor(content).ReadElement(cbasn1.SEQUENCE)
	if err != nil {
		return 0, nil, err
	}
	version, err := seq.ReadInt()
	if err != nil {
		return 0, nil, err
	}
	set, err := seq.ReadElement(cbasn1.SET)
	if err != nil {
		return int(version), nil, err
	}

	var raws [][]byte
	for !set.Empty() {
		raw, err := set.ReadRawElement(cbasn1.SEQUENCE)
		if err != nil {
			return int(version), raws, err
		}
		raws = append(raws, raw)
	}
	return int(version), raws, nil
}
