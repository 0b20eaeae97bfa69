// fleetexec runs one operation against a fleet of remote targets and
// emits a structured summary on stdout. Formatting and coloring are left
// to whatever consumes the JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/akarev/fleetexec/internal/collate"
	"github.com/akarev/fleetexec/internal/dispatch"
	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/internal/lg"
	"github.com/akarev/fleetexec/internal/persistence"
	"github.com/akarev/fleetexec/internal/publish"
	"github.com/akarev/fleetexec/internal/registry"
	"github.com/akarev/fleetexec/internal/retrypolicy"
	"github.com/akarev/fleetexec/internal/stream"
	"github.com/akarev/fleetexec/internal/transport"
	"github.com/akarev/fleetexec/pkg/config"
	"github.com/akarev/fleetexec/pkg/config/configstore"
)

const serviceName = "fleetexec"

type runOutput struct {
	RunID   uuid.UUID       `json:"run_id"`
	Summary collate.Summary `json:"summary"`
	Lines   []stream.Line   `json:"lines"`
}

func main() {
	var (
		inventory   = flag.String("inventory", "targets.yml", "target inventory file")
		mongoURI    = flag.String("inventory-mongo-uri", "", "load inventory from MongoDB instead of a file")
		mongoDB     = flag.String("inventory-mongo-db", "fleetexec", "MongoDB database for the inventory")
		mongoColl   = flag.String("inventory-mongo-coll", "inventories", "MongoDB collection for the inventory")
		mongoID     = flag.String("inventory-mongo-id", "default", "inventory document id")
		kindFilter  = flag.String("kind", "", "only dispatch to targets of this kind (ssh, container, websocket)")
		command     = flag.String("cmd", "", "shell command to run on each target")
		action      = flag.String("action", "", "container lifecycle action (launch, start, stop, restart, delete, list)")
		image       = flag.String("image", "", "source image alias for -action launch")
		timeout     = flag.Duration("timeout", 2*time.Minute, "per-target timeout")
		retries     = flag.Int("retries", 3, "maximum attempts per target")
		concurrency = flag.Int64("concurrency", 0, "maximum targets in flight, 0 for unbounded")
		grace       = flag.Duration("grace", 5*time.Second, "teardown grace window after cancellation")
		credsPath   = flag.String("credentials", "credentials.yml", "credential reference file")
		lxdURL      = flag.String("lxd-url", "https://127.0.0.1:8443", "LXD API endpoint for container targets")
		lxdCert     = flag.String("lxd-cert", "", "LXD client certificate")
		lxdKey      = flag.String("lxd-key", "", "LXD client key")
		outFile     = flag.String("out", "", "write the run artifact to this file")
		brokers     = flag.String("kafka-brokers", "", "comma-separated Kafka brokers for run audit")
		topic       = flag.String("kafka-topic", "fleet-runs", "Kafka topic for run audit")
	)
	logCfg := lg.RegisterFlags(flag.CommandLine, serviceName)
	flag.Parse()

	logger := lg.New(logCfg)
	defer logger.Sync()

	if (*command == "") == (*action == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -cmd or -action is required")
		os.Exit(2)
	}

	store, err := inventoryStore(*inventory, *mongoURI, *mongoDB, *mongoColl, *mongoID)
	if err != nil {
		logger.Error("inventory store", lg.Err(err))
		os.Exit(1)
	}

	reg, err := registry.Load(store)
	if err != nil {
		// A bad inventory is the only error allowed to abort the run
		// before dispatch.
		logger.Error("inventory rejected", lg.Err(err))
		os.Exit(1)
	}

	targets := reg.All()
	if *kindFilter != "" {
		kind := fleet.ConnKind(*kindFilter)
		targets = reg.Filter(func(t *fleet.Target) bool { return t.Kind == kind })
	}
	if len(targets) == 0 {
		logger.Error("no targets selected")
		os.Exit(1)
	}

	resolver, err := loadCredentials(*credsPath)
	if err != nil {
		logger.Error("credentials", lg.Err(err))
		os.Exit(1)
	}

	mux := transport.NewMux().
		Register(fleet.KindSSH, transport.NewSSH(transport.SSHConfig{Resolver: resolver})).
		Register(fleet.KindContainer, transport.NewLXD(lxdConfig(*lxdURL, *lxdCert, *lxdKey, logger))).
		Register(fleet.KindWebsocket, transport.NewWS(transport.WSConfig{}))

	agg := stream.NewAggregator(0)
	dispatcher := dispatch.New(mux, agg, dispatch.Config{
		Grace:         *grace,
		MaxConcurrent: *concurrency,
	}, logger)
	runner := retrypolicy.NewRunner(dispatcher, retrypolicy.Default(*retries), logger)

	var op fleet.Operation
	switch {
	case *command != "":
		op = fleet.NewShellOp(*command, *timeout, *retries)
	case fleet.LifecycleAction(*action) == fleet.ActionLaunch:
		op = fleet.NewLaunchOp(*image, *timeout, *retries)
	default:
		op = fleet.NewLifecycleOp(fleet.LifecycleAction(*action), *timeout, *retries)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	logger.Info("dispatching",
		lg.String("run", op.ID.String()),
		lg.Int("targets", len(targets)),
		lg.Duration("timeout", *timeout))

	results, runErr := runner.Run(ctx, op, targets)
	agg.Close()
	if runErr != nil {
		logger.Warn("run interrupted", lg.Err(runErr))
	}

	summary := collate.MarkExhausted(collate.Summarize(results), *retries)
	lines := agg.Snapshot()
	finished := time.Now()

	out := runOutput{RunID: op.ID, Summary: summary, Lines: lines}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("encode output", lg.Err(err))
	}

	if *outFile != "" {
		artifact := persistence.RunArtifact{
			RunID:    op.ID,
			Command:  op.Command,
			Action:   string(op.Action),
			Finished: finished,
			Summary:  summary,
			Lines:    lines,
		}
		if err := persistence.WriteArtifact(artifact, *outFile, nil, nil); err != nil {
			logger.Error("write artifact", lg.Err(err))
		}
	}

	if *brokers != "" {
		publisher := publish.NewKafka(strings.Split(*brokers, ","), *topic, logger)
		defer publisher.Close()
		rec := publish.RunRecord{
			RunID:    op.ID,
			Command:  op.Command,
			Action:   string(op.Action),
			Finished: finished,
			Summary:  summary,
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := publisher.Publish(pubCtx, rec); err != nil {
			logger.Error("audit publish", lg.Err(err))
		}
	}

	if summary.Succeeded != summary.Total {
		os.Exit(1)
	}
}

func inventoryStore(path, mongoURI, db, coll, id string) (configstore.Store, error) {
	if mongoURI != "" {
		return config.NewStore(config.MongoStore, &config.MongoConfig{
			URI: mongoURI, DBName: db, CollName: coll, ID: id,
		})
	}
	return config.NewStore(config.FileStore, &config.FileConfig{Path: path})
}

// credentialFile maps opaque references from the inventory to actual SSH
// material. The core only ever sees the reference.
type credentialFile struct {
	Credentials []credentialEntry `yaml:"credentials"`
}

type credentialEntry struct {
	Name     string `yaml:"name"`
	KeyFile  string `yaml:"keyFile"`
	Password string `yaml:"password"`
}

type fileResolver struct {
	entries map[string]credentialEntry
}

func loadCredentials(path string) (*fileResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileResolver{entries: map[string]credentialEntry{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cf credentialFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	entries := make(map[string]credentialEntry, len(cf.Credentials))
	for _, e := range cf.Credentials {
		entries[e.Name] = e
	}
	return &fileResolver{entries: entries}, nil
}

func (r *fileResolver) Resolve(ref string) ([]ssh.AuthMethod, error) {
	entry, ok := r.entries[ref]
	if !ok {
		return nil, fmt.Errorf("no credential named %q", ref)
	}
	var methods []ssh.AuthMethod
	if entry.KeyFile != "" {
		auth, err := transport.PrivateKeyFile(entry.KeyFile)
		if err != nil {
			return nil, err
		}
		methods = append(methods, auth)
	}
	if entry.Password != "" {
		methods = append(methods, ssh.Password(entry.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("credential %q has no key or password", ref)
	}
	return methods, nil
}

func lxdConfig(url, certPath, keyPath string, logger lg.Logger) transport.LXDConfig {
	cfg := transport.LXDConfig{URL: url}
	if certPath != "" && keyPath != "" {
		cert, certErr := os.ReadFile(certPath)
		key, keyErr := os.ReadFile(keyPath)
		if err := errors.Join(certErr, keyErr); err != nil {
			logger.Error("load LXD client certificate", lg.Err(err))
		} else {
			cfg.ClientCert = string(cert)
			cfg.ClientKey = string(key)
		}
	}
	return cfg
}
