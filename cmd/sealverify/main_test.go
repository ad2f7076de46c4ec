package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forensicseal/internal/artifact"
	"forensicseal/internal/binder"
	"forensicseal/internal/ledger"
	"forensicseal/internal/pipeline"
	"forensicseal/internal/seal"
	"forensicseal/internal/signer"
)

type fixture struct {
	record   string
	archive  string
	evidence string
	pubkey   string
}

func newFixture(t *testing.T, mode seal.Mode, signed bool) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	content := []byte("CASE-001 exhibit A")

	l, err := ledger.New(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	res, err := pipeline.New().Submit(ctx, l, artifact.FromBytes("exhibit-a.txt", "text/plain", content),
		pipeline.Options{Jurisdiction: "ZA", Mode: mode})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.OK() {
		t.Fatalf("run ended in %s", res.State)
	}
	c, err := res.Contents()
	if err != nil {
		t.Fatalf("contents: %v", err)
	}

	f := fixture{
		record:   filepath.Join(dir, "bundle.json"),
		archive:  filepath.Join(dir, "bundle"+binder.Extension),
		evidence: filepath.Join(dir, "exhibit-a.txt"),
	}
	if signed {
		keyPath := filepath.Join(dir, "custodian")
		if _, err := signer.GenerateKeyFiles(keyPath, "test"); err != nil {
			t.Fatalf("generate key: %v", err)
		}
		priv, err := signer.LoadPrivateKey(keyPath)
		if err != nil {
			t.Fatalf("load key: %v", err)
		}
		cust, err := signer.SignBundle(priv, c.Export)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		c.Export.Custodian = &cust
		f.pubkey = keyPath + ".pub"
	}

	record, err := c.Export.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(f.record, record, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.evidence, content, 0600); err != nil {
		t.Fatal(err)
	}
	if err := binder.WriteFile(f.archive, c); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return f
}

func runArgs(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunExitCodes(t *testing.T) {
	f := newFixture(t, seal.ModeFull, false)

	tampered := filepath.Join(t.TempDir(), "exhibit-a.txt")
	if err := os.WriteFile(tampered, []byte("CASE-001 exhibit A (edited)"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"archive", []string{f.archive}, exitOK},
		{"record with evidence", []string{"-e", f.evidence, f.record}, exitOK},
		{"tampered evidence", []string{"--evidence", tampered, f.record}, exitMismatch},
		{"no bundle", nil, exitUsage},
		{"two bundles", []string{f.record, f.archive}, exitUsage},
		{"unknown flag", []string{"--frobnicate", f.record}, exitUsage},
		{"bad format", []string{"-f", "yaml", f.record}, exitUsage},
		{"missing bundle", []string{filepath.Join(t.TempDir(), "nope.json")}, exitUsage},
		{"help", []string{"--help"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runArgs(tt.args...)
			if code != tt.want {
				t.Errorf("exit code = %d, want %d\nstdout: %s\nstderr: %s", code, tt.want, stdout, stderr)
			}
		})
	}
}

func TestRunTextOutput(t *testing.T) {
	f := newFixture(t, seal.ModeFull, false)

	code, stdout, _ := runArgs("-e", f.evidence, f.record)
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "VERIFIED") {
		t.Errorf("output missing result:\n%s", stdout)
	}
	if !strings.Contains(stdout, f.record) {
		t.Errorf("output missing source path:\n%s", stdout)
	}
}

func TestRunJSONToFile(t *testing.T) {
	f := newFixture(t, seal.ModeFull, false)
	out := filepath.Join(t.TempDir(), "result.json")

	code, stdout, _ := runArgs("--format", "json", "-o", out, f.archive)
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	if stdout != "" {
		t.Errorf("stdout should be empty when -o is given, got %q", stdout)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var report struct {
		Valid    bool   `json:"valid"`
		BundleID string `json:"bundle_id"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Valid || report.BundleID == "" {
		t.Errorf("report = %+v", report)
	}
}

func TestRunQuiet(t *testing.T) {
	f := newFixture(t, seal.ModeReportOnly, false)

	code, stdout, stderr := runArgs("-q", f.archive)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if stdout != "" || stderr != "" {
		t.Errorf("quiet run printed output: %q %q", stdout, stderr)
	}
}

func TestRunSignature(t *testing.T) {
	signed := newFixture(t, seal.ModeFull, true)
	unsigned := newFixture(t, seal.ModeFull, false)

	if code, stdout, _ := runArgs("--pubkey", signed.pubkey, signed.record); code != exitOK {
		t.Errorf("signed bundle: exit code = %d\n%s", code, stdout)
	}
	if code, _, _ := runArgs("--pubkey", signed.pubkey, unsigned.record); code != exitMismatch {
		t.Errorf("unsigned bundle with required key: exit code = %d, want %d", code, exitMismatch)
	}
	if code, _, _ := runArgs("--pubkey", filepath.Join(t.TempDir(), "missing.pub"), signed.record); code != exitUsage {
		t.Errorf("missing key file: exit code = %d, want %d", code, exitUsage)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := runArgs("--version")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.HasPrefix(stdout, "sealverify ") {
		t.Errorf("version output = %q", stdout)
	}
}
