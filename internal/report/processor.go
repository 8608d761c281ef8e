// Package report validates client report shares ahead of aggregation:
// expiry and clock-skew checks, config lookup, decryption, and starting the
// verification state machine. Processing has no side effects; rejection
// reasons come back as values in wire failure terms.
package report

import (
	"errors"
	"fmt"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

// Processor checks and opens report shares for one aggregator role.
type Processor struct {
	keyring *hpke.Keyring
	skew    uint64 // max seconds a report may lead the local clock
}

// NewProcessor builds a processor over the process's keyring.
func NewProcessor(keyring *hpke.Keyring, skew uint64) *Processor {
	return &Processor{keyring: keyring, skew: skew}
}

// Prepared is a report share that passed every validity check, with its
// preparation state started.
type Prepared struct {
	ReportID protocol.ReportID // ReportID names the report
	State    *vdaf.PrepState   // State continues after the peer round trip
	Outbound []byte            // Outbound is this party's first message
}

// Rejection says why a report share was refused.
type Rejection struct {
	Failure protocol.TransitionFailure // Failure is the wire code for the peer
	Err     error                      // Err is the underlying cause, for logs
}

func rejectf(code protocol.TransitionFailure, format string, args ...any) *Rejection {
	return &Rejection{Failure: code, Err: fmt.Errorf(format, args...)}
}

// TaskDocument pulls an in-band signed task document from report
// extensions, if one is attached.
func TaskDocument(exts []protocol.Extension) (doc, sig []byte, ok bool) {
	for _, e := range exts {
		if e.Type != protocol.ExtensionTaskConfig {
			continue
		}

		adv, err := protocol.DecodeTaskAdvertise(e.Payload)
		if err != nil {
			return nil, nil, false
		}

		return adv.Document, adv.Signature, true
	}

	return nil, nil, false
}

// ValidateUpload runs the side-effect-free checks the leader applies before
// queueing an uploaded report. Decryption is deferred to preparation time.
func (p *Processor) ValidateUpload(t *task.Task, r *protocol.Report, now uint64) *Rejection {
	if rej := p.checkTime(t, r.Time, now); rej != nil {
		return rej
	}

	// The leader share must be openable locally; the helper share only has
	// to name a config the task advertises for the helper.
	leaderCt := &r.Shares[0]
	if !t.HoldsConfig(vdaf.RoleLeader, leaderCt.ConfigID) || !p.keyring.Holds(leaderCt.ConfigID) {
		return rejectf(protocol.FailureHpkeUnknownConfigID, "leader config %d not held", leaderCt.ConfigID)
	}

	if !t.HoldsConfig(vdaf.RoleHelper, r.Shares[1].ConfigID) {
		return rejectf(protocol.FailureHpkeUnknownConfigID, "helper config %d not advertised", r.Shares[1].ConfigID)
	}

	return nil
}

// Prepare validates one report share for this role and starts preparation.
// One report's rejection never affects its job siblings; the caller records
// the failure code and moves on.
func (p *Processor) Prepare(t *task.Task, role vdaf.Role, share *protocol.ReportShare, now uint64) (*Prepared, *Rejection) {
	if rej := p.checkTime(t, share.Time, now); rej != nil {
		return nil, rej
	}

	ct := &share.Share
	if !t.HoldsConfig(role, ct.ConfigID) || !p.keyring.Holds(ct.ConfigID) {
		return nil, rejectf(protocol.FailureHpkeUnknownConfigID, "config %d not held", ct.ConfigID)
	}

	info := protocol.HpkeInfo(uint8(role))
	aad := protocol.HpkeAAD(t.ID, share.ReportID, share.Time, share.Extensions)

	plaintext, err := p.keyring.Open(ct, info, aad)
	if err != nil {
		if errors.Is(err, hpke.ErrUnknownConfig) {
			return nil, &Rejection{Failure: protocol.FailureHpkeUnknownConfigID, Err: err}
		}

		return nil, &Rejection{Failure: protocol.FailureHpkeDecryptError, Err: err}
	}

	state, outbound, err := t.Scheme.PrepInit(t.VerifyKey, role, share.ReportID, nil, plaintext)
	if err != nil {
		return nil, &Rejection{Failure: protocol.FailureVdafPrepError, Err: err}
	}

	return &Prepared{ReportID: share.ReportID, State: state, Outbound: outbound}, nil
}

// checkTime enforces the report timestamp window: inside the task lifetime
// and no further ahead of the local clock than the configured skew.
func (p *Processor) checkTime(t *task.Task, ts, now uint64) *Rejection {
	if t.ExpiredAt(ts) {
		return rejectf(protocol.FailureReportDropped, "report time %d past task expiration", ts)
	}

	if ts > now+p.skew {
		return rejectf(protocol.FailureReportDropped, "report time %d too far ahead of %d", ts, now)
	}

	return nil
}
