package certs

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/go-ldap/ldif"

	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
	"github.com/georgepadayatti/gopkd/format"
)

// LDIF attribute names carrying PKD objects, lowercased and without the
// ";binary" option.
const (
	attrUserCertificate = "usercertificate"
	attrCACertificate   = "cacertificate"
	attrCRL             = "certificaterevocationlist"
	attrMasterList      = "pkdmasterlistcontent"
)

// ldifRecord is the raw text of one LDIF record and its first line number.
type ldifRecord struct {
	Line int
	Text string
}

// ldifValue is one PKD attribute value decoded from an LDIF record.
type ldifValue struct {
	Name  string
	Value []byte
}

// ParseLDIF extracts certificates, CRLs and Master List CSCAs from an LDIF
// export of the ICAO PKD directory. Content records and "changetype: add"
// records are read; a record that fails to parse is counted and skipped.
func ParseLDIF(data []byte) *ParseResult {
	r := &ParseResult{Format: format.FormatLDIF}
	for _, rec := range splitLDIF(data) {
		values, err := decodeLDIFRecord(rec.Text)
		if err != nil {
			r.fail(fmt.Errorf("line %d: %w", rec.Line, err))
			continue
		}
		for _, v := range values {
			switch v.Name {
			case attrUserCertificate, attrCACertificate:
				cert, err := x509.ParseCertificate(v.Value)
				if err != nil {
					r.fail(fmt.Errorf("line %d: failed to parse certificate: %w", rec.Line, err))
					continue
				}
				r.addCertificate(cert)
			case attrCRL:
				if _, err := revinfo.ParseCRL(v.Value); err != nil {
					r.fail(fmt.Errorf("line %d: %w", rec.Line, err))
					continue
				}
				r.CRLs = append(r.CRLs, v.Value)
			case attrMasterList:
				r.merge(ParseMasterList(v.Value))
			}
		}
	}
	return r.finish()
}

// splitLDIF cuts data into records at blank lines. Comment lines and the
// "version:" header are dropped so that every record parses on its own.
func splitLDIF(data []byte) []ldifRecord {
	var (
		records []ldifRecord
		current strings.Builder
		start   int
		lineNo  int
	)
	flush := func() {
		if current.Len() > 0 {
			records = append(records, ldifRecord{Line: start, Text: current.String()})
			current.Reset()
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), len(data)+1)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
		case current.Len() == 0 && strings.HasPrefix(strings.ToLower(line), "version:"):
		default:
			if current.Len() == 0 {
				start = lineNo
			}
			current.WriteString(line)
			current.WriteByte('\n')
		}
	}
	flush()
	return records
}

// decodeLDIFRecord parses one record and returns its PKD attribute values.
func decodeLDIFRecord(text string) ([]ldifValue, error) {
	l, err := ldif.Parse(text + "\n")
	if err != nil {
		return nil, fmt.Errorf("invalid LDIF record: %w", err)
	}

	var values []ldifValue
	add := func(name string, vals []string) {
		name = strings.ToLower(name)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		switch name {
		case attrUserCertificate, attrCACertificate, attrCRL, attrMasterList:
		default:
			return
		}
		for _, v := range vals {
			values = append(values, ldifValue{Name: name, Value: []byte(v)})
		}
	}
	for _, e := range l.Entries {
		switch {
		case e.Entry != nil:
			for _, a := range e.Entry.Attributes {
				add(a.Name, a.Values)
			}
		case e.Add != nil:
			for _, a := range e.Add.Attributes {
				add(a.Type, a.Vals)
			}
		}
	}
	return values, nil
}
