package seal

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"forensicseal/internal/artifact"
)

//go:embed schema/bundle-v1.schema.json
var bundleSchemaJSON []byte

const (
	bundleSchemaURL = "https://forensicseal.local/schema/bundle-v1.schema.json"
	exportVersion   = 1
)

var ErrInvalidExport = errors.New("seal: invalid bundle record")

// Custodian is an optional signature over the bundle hash.
type Custodian struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Export is the flat, human- and machine-readable bundle record. Digests are
// lower-case hex.
type Export struct {
	Version                  int        `json:"version"`
	BundleID                 string     `json:"bundleId"`
	EvidenceHash             string     `json:"evidenceHash"`
	ReportHash               string     `json:"reportHash"`
	CertificateHash          string     `json:"certificateHash"`
	Timestamp                string     `json:"timestamp"`
	Jurisdiction             string     `json:"jurisdiction"`
	BundleHash               string     `json:"bundleHash"`
	DisclosureMode           Mode       `json:"disclosureMode"`
	OriginalArtifactIncluded bool       `json:"originalArtifactIncluded"`
	HashSuite                string     `json:"hashSuite"`
	AnchorStatus             string     `json:"anchorStatus"`
	ReportFormat             string     `json:"reportFormat,omitempty"`
	OriginalName             string     `json:"originalName,omitempty"`
	SessionID                string     `json:"sessionId,omitempty"`
	Custodian                *Custodian `json:"custodian,omitempty"`
}

// ToExport flattens a bundle.
func ToExport(b SealedBundle) Export {
	return Export{
		Version:                  exportVersion,
		BundleID:                 b.BundleID,
		EvidenceHash:             b.EvidenceHash.Hex(),
		ReportHash:               b.ReportHash.Hex(),
		CertificateHash:          b.CertificateHash.Hex(),
		Timestamp:                FormatTimestamp(b.Timestamp),
		Jurisdiction:             b.Jurisdiction,
		BundleHash:               b.BundleHash.Hex(),
		DisclosureMode:           b.DisclosureMode,
		OriginalArtifactIncluded: b.OriginalArtifactIncluded,
		HashSuite:                string(b.HashSuite),
		AnchorStatus:             string(b.Anchor),
	}
}

// Bundle converts the record back to a SealedBundle. It does not verify the
// bundle hash; use Verify for that.
func (e Export) Bundle() (SealedBundle, error) {
	b := SealedBundle{
		BundleID:                 e.BundleID,
		Jurisdiction:             e.Jurisdiction,
		DisclosureMode:           e.DisclosureMode,
		OriginalArtifactIncluded: e.OriginalArtifactIncluded,
		Anchor:                   AnchorStatus(e.AnchorStatus),
	}

	var err error
	if b.HashSuite, err = artifact.ParseSuite(e.HashSuite); err != nil {
		return b, err
	}
	for _, f := range []struct {
		name string
		hex  string
		dst  *artifact.Digest
	}{
		{"evidenceHash", e.EvidenceHash, &b.EvidenceHash},
		{"reportHash", e.ReportHash, &b.ReportHash},
		{"certificateHash", e.CertificateHash, &b.CertificateHash},
		{"bundleHash", e.BundleHash, &b.BundleHash},
	} {
		if *f.dst, err = artifact.ParseDigest(f.hex); err != nil {
			return b, fmt.Errorf("seal: %s: %w", f.name, err)
		}
	}
	if b.Timestamp, err = time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
		return b, fmt.Errorf("seal: timestamp: %w", err)
	}
	b.Timestamp = b.Timestamp.UTC()
	return b, nil
}

// Encode returns the RFC 8785 canonical JSON of the record.
func (e Export) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal export: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalize export: %w", err)
	}
	return out, nil
}

// DecodeExport validates data against the bundle schema and parses it.
func DecodeExport(data []byte) (Export, error) {
	schema, err := bundleSchema()
	if err != nil {
		return Export{}, err
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}

	var e Export
	if err := json.Unmarshal(data, &e); err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	return e, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func bundleSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(bundleSchemaURL, bytes.NewReader(bundleSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("seal: add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(bundleSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("seal: compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}
