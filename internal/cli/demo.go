package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/bridge"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
	"github.com/selfsession/authcore/internal/config"
	"github.com/selfsession/authcore/internal/dispatch"
	"github.com/selfsession/authcore/internal/fsm"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/proposal"
	"github.com/selfsession/authcore/internal/workorder"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the full authorization lifecycle against a loopback bridge",
	Long:  "Opens a session, grants a capability, walks a proposal through the\nhold-to-arm lifecycle and confirmation gate, dispatches it to an\nin-process bridge, and verifies the resulting forensic log.",
	RunE:  runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, cfgHash, err := config.LoadConfigWithHash(configPath)
	if err != nil {
		return err
	}

	dir, err := filepath.Abs("demo-audit")
	if err != nil {
		return err
	}

	clk := clock.System{}
	log := audit.New(clk)
	store, err := audit.OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Persist(store)

	auth := authority.New(clk, log)
	gate := acc.NewGate(clk, log, cfg.TokenTTL())
	engine := policy.NewEngine(
		policy.MaxGainLimit(cfg.MaxGainDB),
		policy.ProtectedResource{Protected: cfg.ProtectedResources},
	)
	loop := bridge.NewLoopback()
	dp := dispatch.New(clk, log, auth, engine, gate, loop,
		dispatch.WithBridgeTimeout(cfg.BridgeTimeout()),
		dispatch.WithConfigHash(cfgHash),
	)

	// Session and grant.
	sess, err := auth.OpenSession(authority.ProcessIdentity{AppID: "demo-app", LaunchedAt: clk.Now()}, cfg.SessionTTL())
	if err != nil {
		return err
	}
	fmt.Printf("session %s opened\n", sess.SessionID)

	scope := capability.Scope{OwnerID: "demo-user"}
	grant, err := auth.Grant(sess.SessionID, capability.Grant{
		Capability:  capability.GainAdjustment,
		Scope:       scope,
		ExpiresAt:   clk.Now().Add(10 * time.Minute),
		RequiresACC: true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("grant %s issued: %s (confirmation required)\n", grant.GrantID, grant.Capability)

	// Proposal and lifecycle.
	p := proposal.New(capability.GainAdjustment, policy.OpAdjust, "track-3/gain", "reduce gain 2.0 dB to tame peaks")
	p.Parameters = map[string]float64{"gain_db": -2.0}
	p.Evidence = audit.Evidence{Metric: "peak_db", CurrentValue: 1.8, TargetValue: -0.2}
	p.Confidence = 0.92

	m := fsm.New(clk, log, p.ActionID, sess.SessionID, fsm.WithHoldThreshold(cfg.HoldThreshold()))
	if err := m.Present(); err != nil {
		return err
	}
	if err := m.HoldStart(); err != nil {
		return err
	}
	time.Sleep(cfg.HoldThreshold() + 50*time.Millisecond)
	if err := m.HoldRelease(); err != nil {
		return err
	}
	fmt.Printf("armed after %s hold\n", m.HoldDuration().Round(time.Millisecond))

	// Confirmation. The demo answers its own challenge by reading the
	// payload; a real surface renders it to the human.
	token, err := gate.Issue(sess.SessionID, capability.Request{Capability: p.Capability, Scope: scope}, grant)
	if err != nil {
		return err
	}
	fmt.Printf("challenge (%s): %s\n", token.Challenge, token.Payload)
	if err := m.Confirm(); err != nil {
		return err
	}

	wo := workorder.New(sess.SessionID, p, scope)
	wo.FSMPath = m.Path()
	wo.HoldDurationMs = m.HoldDuration().Milliseconds()
	wo.ConfirmationTime = m.ConfirmedAt()
	wo.ACCTokenID = token.ACCID

	entry, err := dp.Dispatch(context.Background(), wo, dispatch.Confirmation{
		ACCID:    token.ACCID,
		Response: answerFor(token),
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := m.MarkExecuted(); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(entry, "", "  ")
	fmt.Println(string(out))

	if v, ok := loop.Param("track-3/gain", "gain_db"); ok {
		fmt.Printf("bridge applied gain_db=%.1f\n", v)
	}

	// Close the store so the day file is flushed, then verify the chain.
	store.Close()
	result := audit.Verify(store.PathForDay(clk.Now().UTC().Format("2006-01-02")))
	if !result.Valid {
		return fmt.Errorf("forensic log failed verification at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Printf("forensic log verified: %d records intact\n", result.Lines)
	return nil
}

// answerFor extracts the expected response from a challenge payload. Demo
// only; the whole point of the gate is that production code cannot do this.
func answerFor(t *acc.Token) string {
	s := t.Payload
	if i := strings.LastIndex(s, ": "); i >= 0 {
		s = s[i+2:]
	}
	return strings.Trim(s, `"`)
}
