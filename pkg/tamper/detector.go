package tamper

import (
	"encoding/json"

	"github.com/veilpay/clientvault/core/kvregion"
)

// Report summarizes a full-region tamper scan.
type Report struct {
	Checked  int
	Tampered int
	// TamperedKeys lists the region keys whose envelopes failed
	// verification. Key names are not secret; values are never included.
	TamperedKeys []string
}

// Clean reports whether the scan found no tampered entries.
func (r Report) Clean() bool {
	return r.Tampered == 0
}

// Detector scans a key-value region for tampered protection envelopes.
type Detector struct {
	protector *Protector
	region    kvregion.Region
}

// NewDetector creates a detector over the given region.
func NewDetector(protector *Protector, region kvregion.Region) *Detector {
	return &Detector{protector: protector, region: region}
}

// ScanRegion verifies every region entry bearing a protection marker and
// reports counts of checked and tampered items. The scan never halts on the
// first failure; callers get the full picture.
func (d *Detector) ScanRegion(key []byte) Report {
	var report Report

	for _, regionKey := range d.region.Keys() {
		raw, ok := d.region.Get(regionKey)
		if !ok {
			continue
		}

		env, ok := parseEnvelope(raw)
		if !ok {
			continue
		}

		report.Checked++
		if !d.protector.Verify(env, key) {
			report.Tampered++
			report.TamperedKeys = append(report.TamperedKeys, regionKey)
		}
	}

	return report
}

// parseEnvelope reports whether raw carries the protection marker: a JSON
// object with envelope metadata and a signature.
func parseEnvelope(raw []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Meta.Version == 0 || env.Meta.Algorithm == "" || len(env.Signature) == 0 {
		return nil, false
	}
	return &env, true
}
