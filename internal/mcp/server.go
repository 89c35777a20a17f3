// Package mcp exposes the authorization core over the Model Context
// Protocol, so an agent can propose actions and observe their authorization
// lifecycle without ever holding authority itself. The human-facing steps
// (hold, challenge response) arrive through the same surface but represent
// UI events, not agent decisions.
package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/selfsession/authcore/internal/acc"
	"github.com/selfsession/authcore/internal/audit"
	"github.com/selfsession/authcore/internal/authority"
	"github.com/selfsession/authcore/internal/bridge"
	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/clock"
	"github.com/selfsession/authcore/internal/config"
	"github.com/selfsession/authcore/internal/dispatch"
	"github.com/selfsession/authcore/internal/fsm"
	"github.com/selfsession/authcore/internal/pending"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/proposal"
)

// actionState tracks one proposal moving through its lifecycle.
type actionState struct {
	proposal  proposal.Proposal
	machine   *fsm.Machine
	sessionID string
	scope     capability.Scope
	tokenID   string
}

// Server wires the full authorization core behind MCP tools.
type Server struct {
	mcpServer *mcpsdk.Server

	cfg        config.Config
	clk        clock.Clock
	log        *audit.Log
	store      *audit.Store
	auth       *authority.Authority
	gate       *acc.Gate
	engine     *policy.Engine
	dispatcher *dispatch.Dispatcher
	published  *pending.Store

	mu        sync.Mutex
	actions   map[string]*actionState
	responses map[string]string // acc id -> staged challenge response
}

// New assembles the core from configuration and registers the tools.
func New(configFile string, b bridge.Bridge) (*Server, error) {
	cfg, cfgHash, err := config.LoadConfigWithHash(configFile)
	if err != nil {
		return nil, err
	}

	clk := clock.System{}
	log := audit.New(clk)

	store, err := audit.OpenStore(cfg.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("open forensic store: %w", err)
	}
	log.Persist(store)

	if cfg.ArchivePath != "" {
		archive, err := audit.OpenArchive(cfg.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("open compliance archive: %w", err)
		}
		log.ArchiveTo(archive)
	}

	published, err := pending.NewStore(cfg.PendingDir)
	if err != nil {
		return nil, fmt.Errorf("open pending store: %w", err)
	}

	auth := authority.New(clk, log)
	gate := acc.NewGate(clk, log, cfg.TokenTTL())

	engine := policy.NewEngine(
		policy.MaxGainLimit(cfg.MaxGainDB),
		policy.ProtectedResource{Protected: cfg.ProtectedResources},
	)
	for _, r := range cfg.ParameterRanges {
		engine.AddPolicy(policy.ParameterRange{PolicyName: r.Name, Param: r.Param, Min: r.Min, Max: r.Max})
	}

	if b == nil {
		b = bridge.NewLoopback()
	}

	s := &Server{
		cfg:       cfg,
		clk:       clk,
		log:       log,
		store:     store,
		auth:      auth,
		gate:      gate,
		engine:    engine,
		published: published,
		actions:   make(map[string]*actionState),
		responses: make(map[string]string),
	}
	s.dispatcher = dispatch.New(clk, log, auth, engine, gate, b,
		dispatch.WithBridgeTimeout(cfg.BridgeTimeout()),
		dispatch.WithConfigHash(cfgHash),
	)

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "authcore",
			Version: "0.3.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport, plus the filesystem
// watcher that stages challenge responses dropped by external surfaces.
// Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	watcher := pending.NewResponseWatcher(s.published.ResponseDir(), s.stageResponse)
	_ = watcher.ScanExisting()
	go func() { _ = watcher.Run(ctx) }()

	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// stageResponse holds a response until its action is dispatched. The token
// itself is validated only inside the dispatch gauntlet, so staging never
// consumes it.
func (s *Server) stageResponse(r pending.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ACCID] = r.Response
}

// stagedResponse takes (and clears) a previously staged response.
func (s *Server) stagedResponse(accID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[accID]
	if ok {
		delete(s.responses, accID)
	}
	return resp, ok
}

// Close flushes the forensic store. Events that failed to persist during
// the run surface here so the incomplete on-disk chain does not go unnoticed.
func (s *Server) Close() error {
	err := s.store.Close()
	if n := s.log.DroppedEvents(); n > 0 {
		return fmt.Errorf("forensic store missing %d audit events that failed to persist", n)
	}
	return err
}

// setActionToken records the challenge token issued for an action.
func (s *Server) setActionToken(actionID, accID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.actions[actionID]; ok {
		st.tokenID = accID
	}
}

// actionToken returns the challenge token recorded for an action, if any.
func (s *Server) actionToken(actionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.actions[actionID]; ok {
		return st.tokenID
	}
	return ""
}

func (s *Server) action(actionID string) (*actionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", actionID)
	}
	return st, nil
}

// registerTools adds the authorization tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_session",
		Description: "Open an authorization session for a process. Returns the session ID all later calls need.",
	}, s.handleSession)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_grant",
		Description: "Record a capability grant issued by the user for a session. Grants are time-bounded and scope-bounded.",
	}, s.handleGrant)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_check",
		Description: "Dry-run a request against the capability authority and policy engine without executing anything.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_propose",
		Description: "Submit a proposed action. It enters the authorization lifecycle and is presented to the user; nothing executes until the user arms and confirms it.",
	}, s.handlePropose)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_hold",
		Description: "Report a user hold event (start or release) for a presented action. A sufficient hold arms the action; a short one returns it to visible.",
	}, s.handleHold)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_challenge",
		Description: "Issue the confirmation challenge for an armed action whose grant requires active confirmation.",
	}, s.handleChallenge)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_dispatch",
		Description: "Dispatch a confirmed action through the full gauntlet: capability, confirmation, policy, bridge. Returns the sealed forensic entry's outcome.",
	}, s.handleDispatch)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_pending",
		Description: "List published confirmation challenges awaiting a response.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "authcore_audit_verify",
		Description: "Verify a forensic log file's hash chain and entry seals.",
	}, s.handleAuditVerify)
}
