// Package shieldpool is the privacy-pool subsystem of the wallet: shielded
// deposits into fixed-denomination anonymity pools and unlinkable
// zero-knowledge withdrawals out of them.
//
// A Session is the single caller-owned entry point, constructed once at
// wallet start and passed by reference to whoever needs it. There are no
// package-level singletons and no hidden mutable globals.
package shieldpool

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bzwallet/shieldpool/perf"
	"github.com/bzwallet/shieldpool/pool"
	"github.com/bzwallet/shieldpool/routing"
	"github.com/bzwallet/shieldpool/store"
	"github.com/bzwallet/shieldpool/zkproof"
)

// Config carries session-level settings. Zero values resolve to defaults.
type Config struct {
	DataDir           string // encrypted deposit records live here
	TreeDepth         int
	Network           string
	WithdrawalFee     *uint256.Int
	ConfirmInterval   time.Duration
	ConfirmMaxElapsed time.Duration
}

// DefaultConfig returns the production defaults, minus DataDir which has no
// sensible default and must be set by the caller.
func DefaultConfig() Config {
	pc := pool.DefaultConfig()
	return Config{
		TreeDepth:         pc.TreeDepth,
		Network:           pc.Network,
		WithdrawalFee:     pc.WithdrawalFee,
		ConfirmInterval:   pc.ConfirmInterval,
		ConfirmMaxElapsed: pc.ConfirmMaxElapsed,
	}
}

// Session wires the store, proof engine, pool manager and router for one
// wallet session. Construct with NewSession; all components share the
// session logger.
type Session struct {
	log      zerolog.Logger
	cfg      Config
	store    *store.DepositStore
	engine   *zkproof.Engine
	manager  *pool.Manager
	router   *routing.Router
	analyzer *perf.Analyzer
}

// NewSession opens the encrypted store under cfg.DataDir, compiles the
// withdrawal circuit for cfg.TreeDepth and wires the manager and router.
// sessionKey is the wallet-derived root secret for at-rest encryption; it
// is expanded, never used directly.
func NewSession(log zerolog.Logger, cfg Config, signer pool.LedgerSigner, reader pool.ChainReader, sessionKey [32]byte) (*Session, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: DataDir is required", pool.ErrValidation)
	}
	def := DefaultConfig()
	if cfg.TreeDepth == 0 {
		cfg.TreeDepth = def.TreeDepth
	}

	st, err := store.Open(log, cfg.DataDir, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("open deposit store: %w", err)
	}

	engine, err := zkproof.NewEngine(log, cfg.TreeDepth)
	if err != nil {
		return nil, err
	}

	manager, err := pool.NewManager(log, pool.Config{
		TreeDepth:         cfg.TreeDepth,
		ConfirmInterval:   cfg.ConfirmInterval,
		ConfirmMaxElapsed: cfg.ConfirmMaxElapsed,
		WithdrawalFee:     cfg.WithdrawalFee,
		Network:           cfg.Network,
	}, signer, reader, st, engine)
	if err != nil {
		return nil, err
	}

	return &Session{
		log:     log,
		cfg:     cfg,
		store:   st,
		engine:  engine,
		manager: manager,
		router:  routing.NewRouter(log, manager),
	}, nil
}

// Manager exposes the pool manager: deposits, withdrawals, balances.
func (s *Session) Manager() *pool.Manager { return s.manager }

// Router exposes the alias and routing layer.
func (s *Session) Router() *routing.Router { return s.router }

// Engine exposes the proof engine, mainly for key management.
func (s *Session) Engine() *zkproof.Engine { return s.engine }

// Analyzer returns the circuit performance analyzer, constructed on first
// use; it recompiles circuits itself and never touches pool state.
func (s *Session) Analyzer() *perf.Analyzer {
	if s.analyzer == nil {
		s.analyzer = perf.NewAnalyzer(s.log, s.cfg.TreeDepth)
	}
	return s.analyzer
}
