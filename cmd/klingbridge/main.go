// Package main provides klingbridge, the bridge verifier command.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingbridge/internal/backend"
	"github.com/Klingon-tech/klingbridge/internal/bridge"
	"github.com/Klingon-tech/klingbridge/internal/chain"
	"github.com/Klingon-tech/klingbridge/internal/config"
	"github.com/Klingon-tech/klingbridge/internal/dispute"
	"github.com/Klingon-tech/klingbridge/internal/graph"
	"github.com/Klingon-tech/klingbridge/internal/keys"
	"github.com/Klingon-tech/klingbridge/internal/l2"
	"github.com/Klingon-tech/klingbridge/internal/rpc"
	"github.com/Klingon-tech/klingbridge/internal/scripts"
	"github.com/Klingon-tech/klingbridge/internal/storage"
	"github.com/Klingon-tech/klingbridge/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// PasswordEnv holds the key file password when -password is not given.
const PasswordEnv = "KLINGBRIDGE_PASSWORD"

// Exit codes.
const (
	exitOK        = 0
	exitPermanent = 1
	exitRetry     = 2
)

const usage = `klingbridge %s

Usage: klingbridge [global flags] <command> [flags]

Commands:
  keygen            create the encrypted verifier key and print its public key
  pubkey            print the verifier public key
  initiate-peg-in   build and store a peg-in graph, print the deposit address
  deposit-address   print the deposit address only
  create-peg-out    build and store a peg-out graph
  push-nonces       publish this verifier's nonces for a graph
  push-signatures   wait for all nonces, publish partial signatures
  broadcast         broadcast pegin-confirm | tx
  submit-assertion  record the operator's signed assertion for a peg-out graph
  submit-fraud      record a fraud witness against a peg-out graph
  mock-l2-confirm   record a mock L2 peg-out request
  status            signing and dispute status
  sync              poll the chain once and record confirmations
  run               automatic mode until interrupted

Global flags:
`

// app holds what every command shares.
type app struct {
	cfg      *config.Config
	password string
	log      *logging.Logger
	out      io.Writer
}

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingbridge", "Data directory")
		network     = flag.String("network", "", "Network override (mainnet, testnet, signet, regtest)")
		password    = flag.String("password", "", "Key file password (default: $"+PasswordEnv+")")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage, version)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("klingbridge %s (commit: %s)", version, commit)
		os.Exit(exitOK)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(exitPermanent)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *network != "" {
		n, err := chain.ParseNetwork(*network)
		if err != nil {
			log.Fatal("Invalid network", "error", err)
		}
		cfg.Network = n
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = *dataDir
	}

	log, closeLog := setupLogging(cfg)

	a := &app{cfg: cfg, password: *password, log: log, out: os.Stdout}
	if a.password == "" {
		a.password = os.Getenv(PasswordEnv)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := a.dispatch(ctx, flag.Arg(0), flag.Args()[1:])
	cancel()
	closeLog()
	os.Exit(code)
}

func setupLogging(cfg *config.Config) (*logging.Logger, func()) {
	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	}
	closeFn := func() {}
	if cfg.Logging.File != "" {
		path := config.ExpandPath(cfg.Logging.File)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600); err == nil {
				logCfg.Output = f
				closeFn = func() { f.Close() }
			}
		}
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)
	return log, closeFn
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) int {
	commands := map[string]func(context.Context, []string) error{
		"keygen":           a.keygen,
		"pubkey":           a.pubkey,
		"initiate-peg-in":  a.initiatePegIn,
		"deposit-address":  a.depositAddress,
		"create-peg-out":   a.createPegOut,
		"push-nonces":      a.pushNonces,
		"push-signatures":  a.pushSignatures,
		"broadcast":        a.broadcast,
		"submit-assertion": a.submitAssertion,
		"submit-fraud":     a.submitFraud,
		"mock-l2-confirm":  a.mockL2Confirm,
		"status":           a.status,
		"sync":             a.sync,
		"run":              a.run,
	}

	fn, ok := commands[cmd]
	if !ok {
		a.log.Error("Unknown command", "command", cmd)
		flag.Usage()
		return exitPermanent
	}

	err := fn(ctx, args)
	if err == nil {
		return exitOK
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}

	class := bridge.Classify(err)
	a.log.Error("Command failed", "command", cmd, "error", err)
	fmt.Fprintf(os.Stderr, "%s: %s\n", class, err)
	if class == bridge.Retry {
		return exitRetry
	}
	return exitPermanent
}

// printJSON writes v to stdout.
func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Wiring
// =============================================================================

// session is an opened bridge and the stores behind it.
type session struct {
	bridge *bridge.Bridge
	shared *storage.Storage
	local  *storage.Storage
}

func (s *session) Close() {
	if s.local != nil {
		s.local.Close()
	}
	s.shared.Close()
}

// open builds a bridge from the config. withKey loads the verifier key
// file, which needs the password.
func (a *app) open(withKey bool) (*session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	params, err := a.cfg.Bridge()
	if err != nil {
		return nil, err
	}
	committeeKeys, err := a.cfg.CommitteeKeys()
	if err != nil {
		return nil, err
	}
	committee, err := scripts.NewCommittee(committeeKeys)
	if err != nil {
		return nil, err
	}

	be, err := backend.New(&a.cfg.Backend, a.cfg.Network)
	if err != nil {
		return nil, err
	}

	shared, err := storage.New(&storage.Config{DataDir: a.cfg.SharedDir()})
	if err != nil {
		return nil, fmt.Errorf("failed to open shared store: %w", err)
	}
	s := &session{shared: shared}

	bcfg := &bridge.Config{
		Params:    params,
		Committee: committee,
		Store:     shared,
		Chain:     backend.NewObserver(be),
	}

	if withKey {
		keyring, err := keys.OpenKeyFile(a.cfg.KeyFilePath(), a.password, a.cfg.Network)
		if err != nil {
			s.Close()
			return nil, err
		}
		priv, err := keyring.VerifierKey(a.cfg.Identity.Account, a.cfg.Identity.Index)
		if err != nil {
			s.Close()
			return nil, err
		}
		local, err := storage.New(&storage.Config{DataDir: a.cfg.DataDir(), Local: true})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		s.local = local
		bcfg.Key = priv
		bcfg.Secrets = local
	}

	b, err := bridge.New(bcfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.bridge = b
	return s, nil
}

// =============================================================================
// Key commands
// =============================================================================

func (a *app) keygen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	mnemonic := fs.String("mnemonic", "", "Import this mnemonic instead of generating one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := a.cfg.KeyFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	words := *mnemonic
	if words == "" {
		var err error
		if words, err = keys.CreateKeyFile(path, a.password, a.cfg.Network); err != nil {
			return err
		}
	} else if err := keys.ImportKeyFile(path, words, a.password, a.cfg.Network); err != nil {
		return err
	}

	keyring, err := keys.NewKeyring(words, "", a.cfg.Network)
	if err != nil {
		return err
	}
	pub, err := keyring.VerifierPublicKey(a.cfg.Identity.Account, a.cfg.Identity.Index)
	if err != nil {
		return err
	}

	a.log.Info("Verifier key created", "path", path, "network", a.cfg.Network)
	out := map[string]string{
		"key_file":   path,
		"path":       keyring.Path(a.cfg.Identity.Account, a.cfg.Identity.Index),
		"public_key": fmt.Sprintf("%x", pub.SerializeCompressed()),
	}
	if *mnemonic == "" {
		out["mnemonic"] = words
	}
	return a.printJSON(out)
}

func (a *app) pubkey(ctx context.Context, args []string) error {
	keyring, err := keys.OpenKeyFile(a.cfg.KeyFilePath(), a.password, a.cfg.Network)
	if err != nil {
		return err
	}
	pub, err := keyring.VerifierPublicKey(a.cfg.Identity.Account, a.cfg.Identity.Index)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{
		"path":       keyring.Path(a.cfg.Identity.Account, a.cfg.Identity.Index),
		"public_key": fmt.Sprintf("%x", pub.SerializeCompressed()),
	})
}

// =============================================================================
// Graph commands
// =============================================================================

func pegInFlags(name string, withUTXO bool) (*flag.FlagSet, *bridge.PegInParams) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	p := &bridge.PegInParams{}
	if withUTXO {
		fs.StringVar(&p.Funding, "utxo", "", "Deposit outpoint TXID:VOUT")
	}
	fs.Uint64Var(&p.Amount, "amount", 0, "Deposit amount in satoshis")
	fs.StringVar(&p.DepositorKey, "depositor", "", "Depositor public key (hex)")
	fs.StringVar(&p.Destination, "destination", "", "L2 destination address")
	return fs, p
}

func (a *app) initiatePegIn(ctx context.Context, args []string) error {
	fs, p := pegInFlags("initiate-peg-in", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := p.Request()
	if err != nil {
		return err
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.bridge.InitiatePegIn(req)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{
		"graph_id":        res.Graph.ID,
		"deposit_address": res.DepositAddress,
	})
}

func (a *app) depositAddress(ctx context.Context, args []string) error {
	fs, p := pegInFlags("deposit-address", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	depositor, err := bridge.ParsePublicKey(p.DepositorKey)
	if err != nil {
		return fmt.Errorf("depositor key: %w", err)
	}
	destination, err := bridge.ParseDestination(p.Destination)
	if err != nil {
		return err
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	addr, err := s.bridge.DepositAddress(depositor, destination, p.Amount)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{"deposit_address": addr})
}

func (a *app) createPegOut(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-peg-out", flag.ContinueOnError)
	p := &bridge.PegOutParams{}
	fs.StringVar(&p.Funding, "utxo", "", "Operator funding outpoint TXID:VOUT")
	fs.Uint64Var(&p.Amount, "amount", 0, "Funding amount in satoshis")
	fs.StringVar(&p.PegInID, "peg-in", "", "Peg-in graph id")
	fs.StringVar(&p.OperatorKey, "operator", "", "Operator public key (hex)")
	fs.StringVar(&p.Withdrawer, "withdrawer", "", "Withdrawer Bitcoin address")
	fs.StringVar(&p.DisproveAddress, "disprove-address", "", "Challenger reward address")
	fs.StringVar(&p.DisproveHash, "disprove-hash", "", "SHA-256 hashlock of the disprove path (hex)")
	fs.Uint64Var(&p.Payout, "payout", 0, "Payout in satoshis (default: full vault)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := p.Request()
	if err != nil {
		return err
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	g, err := s.bridge.CreatePegOut(req)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]interface{}{
		"graph_id":  g.ID,
		"peg_in_id": g.LinkedGraphID,
		"payout":    g.Metadata.Payout,
	})
}

// =============================================================================
// Signing commands
// =============================================================================

func graphFlag(fs *flag.FlagSet) *string {
	id := fs.String("g", "", "Graph id")
	fs.StringVar(id, "graph", "", "Graph id")
	return id
}

func requireGraph(id string) error {
	if id == "" {
		return fmt.Errorf("%w: -g GRAPH_ID is required", bridge.ErrInvalidParams)
	}
	return nil
}

func (a *app) pushNonces(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push-nonces", flag.ContinueOnError)
	id := graphFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireGraph(*id); err != nil {
		return err
	}

	s, err := a.open(true)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.bridge.PushNonces(*id)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]interface{}{"graph_id": *id, "nonces": n})
}

func (a *app) pushSignatures(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push-signatures", flag.ContinueOnError)
	id := graphFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireGraph(*id); err != nil {
		return err
	}

	s, err := a.open(true)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.bridge.PushSignatures(ctx, *id)
	if err != nil {
		return err
	}
	return a.printJSON(status)
}

// =============================================================================
// Dispute commands
// =============================================================================

func (a *app) broadcast(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: broadcast needs pegin-confirm or tx", bridge.ErrInvalidParams)
	}
	mode := args[0]

	fs := flag.NewFlagSet("broadcast "+mode, flag.ContinueOnError)
	id := graphFlag(fs)
	txName := fs.String("t", "", "Transaction name")
	fs.StringVar(txName, "tx", "", "Transaction name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireGraph(*id); err != nil {
		return err
	}

	var name graph.TxName
	switch mode {
	case "pegin-confirm":
		name = graph.TxPegInConfirm
	case "tx":
		if *txName == "" {
			return fmt.Errorf("%w: -t NAME is required", bridge.ErrInvalidParams)
		}
		name = graph.TxName(*txName)
	default:
		return fmt.Errorf("%w: unknown broadcast mode %q", bridge.ErrInvalidParams, mode)
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	var txid string
	if name == graph.TxPegInConfirm {
		txid, err = s.bridge.BroadcastPegInConfirm(ctx, *id)
	} else {
		txid, err = s.bridge.BroadcastTx(ctx, *id, name)
	}
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{"graph_id": *id, "tx": string(name), "txid": txid})
}

func (a *app) submitFraud(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit-fraud", flag.ContinueOnError)
	id := graphFlag(fs)
	preimage := fs.String("preimage", "", "Preimage of the disprove hashlock (hex)")
	proof := fs.String("proof", "", "Operator's proof, checked against the recorded one (hex, optional)")
	assertion := fs.String("assertion", "", "Operator's assertion, checked against the recorded one (hex, optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireGraph(*id); err != nil {
		return err
	}

	claim := bridge.FraudClaim{GraphID: *id}
	var err error
	if claim.Preimage, err = bridge.ParseHex(*preimage, 0); err != nil {
		return fmt.Errorf("preimage: %w", err)
	}
	if claim.Proof, err = bridge.ParseHex(*proof, 0); err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	if claim.Assertion, err = bridge.ParseHex(*assertion, 0); err != nil {
		return fmt.Errorf("assertion: %w", err)
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.bridge.SubmitFraud(ctx, claim); err != nil {
		return err
	}
	return a.printJSON(map[string]string{"graph_id": *id, "status": "accepted"})
}

func (a *app) submitAssertion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit-assertion", flag.ContinueOnError)
	id := graphFlag(fs)
	assertion := fs.String("assertion", "", "Assertion data, 96 bytes (hex)")
	proof := fs.String("proof", "", "Proof the assertion commits to (hex)")
	signature := fs.String("signature", "", "Operator signature (hex). Empty signs with the verifier key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireGraph(*id); err != nil {
		return err
	}

	claim := bridge.AssertionClaim{GraphID: *id}
	var err error
	if claim.Assertion, err = bridge.ParseHex(*assertion, dispute.AssertionSize); err != nil {
		return fmt.Errorf("assertion: %w", err)
	}
	if claim.Proof, err = bridge.ParseHex(*proof, 0); err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	if claim.Signature, err = bridge.ParseHex(*signature, 0); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	s, err := a.open(len(claim.Signature) == 0)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.bridge.SubmitAssertion(claim)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{
		"graph_id":  *id,
		"status":    "recorded",
		"signature": hex.EncodeToString(rec.Signature),
	})
}

func (a *app) mockL2Confirm(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mock-l2-confirm", flag.ContinueOnError)
	req := l2.PegOutRequest{}
	sender := fs.String("sender", "", "L2 account that burned (optional)")
	fs.StringVar(&req.PegInID, "peg-in", "", "Peg-in graph id")
	fs.StringVar(&req.Withdrawer, "withdrawer", "", "Withdrawer Bitcoin address")
	fs.Uint64Var(&req.Amount, "amount", 0, "Amount in satoshis")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sender != "" {
		addr, err := bridge.ParseDestination(*sender)
		if err != nil {
			return err
		}
		req.Sender = addr
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	event, err := s.bridge.MockL2Confirm(req)
	if err != nil {
		return err
	}
	return a.printJSON(event)
}

// =============================================================================
// Chain commands
// =============================================================================

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	id := graphFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if *id != "" {
		report, err := s.bridge.Status(ctx, *id)
		if err != nil {
			return err
		}
		return a.printJSON(report)
	}
	reports, err := s.bridge.StatusAll(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(reports)
}

func (a *app) sync(ctx context.Context, args []string) error {
	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.bridge.Sync(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	interval := fs.Duration("interval", a.cfg.Monitor.PollInterval, "Chain poll interval")
	autoBroadcast := fs.Bool("auto-broadcast", a.cfg.Monitor.AutoBroadcast, "Broadcast eligible transactions")
	apiAddr := fs.String("api", a.cfg.RPC.ListenAddr, "JSON-RPC API address (empty disables)")
	withKey := fs.Bool("sign", false, "Load the verifier key for RPC signing calls")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.open(*withKey)
	if err != nil {
		return err
	}
	defer s.Close()

	s.bridge.OnEvent(func(e bridge.Event) {
		a.log.Debug("Bridge event", "type", e.Type, "graph", e.GraphID, "tx", e.Tx)
	})

	var server *rpc.Server
	if a.cfg.RPC.Enabled && *apiAddr != "" {
		server = rpc.NewServer(s.bridge)
		if err := server.Start(*apiAddr); err != nil {
			return err
		}
	}

	monitor := bridge.NewMonitor(&bridge.MonitorConfig{
		Bridge:        s.bridge,
		Interval:      *interval,
		AutoBroadcast: *autoBroadcast,
	})
	monitor.Start()

	printBanner(a.log, a.cfg, *apiAddr, server != nil)

	<-ctx.Done()
	a.log.Info("Shutting down...")

	monitor.Stop()
	if server != nil {
		if err := server.Stop(); err != nil {
			a.log.Error("Error stopping RPC server", "error", err)
		}
	}

	a.log.Info("Goodbye!")
	return nil
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string, rpcOn bool) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingbridge verifier (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Committee: %d verifiers", len(cfg.Committee.Verifiers))
	if rpcOn {
		log.Infof("  API: http://%s", apiAddr)
		log.Infof("  WS:  ws://%s/ws", apiAddr)
	}
	log.Infof("  Data dir:   %s", cfg.DataDir())
	log.Infof("  Shared dir: %s", cfg.SharedDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
