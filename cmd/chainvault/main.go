// Command chainvault stores byte payloads as chunked ledger transactions and
// retrieves them again by logical id or session handle.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v2"

	"github.com/chainvault/go-chainvault/index"
	"github.com/chainvault/go-chainvault/mirror"
	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/stepconf"
	"github.com/chainvault/go-chainvault/store"
	"github.com/chainvault/go-chainvault/store/dispatch"
	"github.com/chainvault/go-chainvault/store/network"
	"github.com/chainvault/go-chainvault/store/session"
	"github.com/chainvault/go-chainvault/wallet"
)

func main() {
	app := &cli.App{
		Name:  "chainvault",
		Usage: "store and retrieve byte payloads as chunked ledger transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-endpoint",
				Usage:   "ledger JSON-RPC endpoint",
				EnvVars: []string{"CHAINVAULT_RPC_ENDPOINT"},
				Value:   "http://localhost:8899",
			},
			&cli.StringFlag{
				Name:    "keyfile",
				Usage:   "path to the base58-encoded signing key",
				EnvVars: []string{"CHAINVAULT_KEYFILE"},
				Value:   defaultKeyfile(),
			},
			&cli.StringFlag{
				Name:    "service-url",
				Usage:   "session service base URL (optional, ledger-only without it)",
				EnvVars: []string{"CHAINVAULT_SERVICE_URL"},
			},
			&cli.StringFlag{
				Name:    "service-token",
				Usage:   "session service access token",
				EnvVars: []string{"CHAINVAULT_SERVICE_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "index-file",
				Usage:   "path of the local metadata index",
				EnvVars: []string{"CHAINVAULT_INDEX_FILE"},
				Value:   defaultIndexFile(),
			},
			&cli.StringFlag{
				Name:    "mirror-bucket",
				Usage:   "S3 bucket mirroring encoded streams (optional)",
				EnvVars: []string{"CHAINVAULT_MIRROR_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "mirror-region",
				Usage:   "AWS region of the mirror bucket",
				EnvVars: []string{"CHAINVAULT_MIRROR_REGION"},
			},
			&cli.StringFlag{
				Name:    "mirror-prefix",
				Usage:   "key prefix inside the mirror bucket",
				EnvVars: []string{"CHAINVAULT_MIRROR_PREFIX"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
				EnvVars: []string{"CHAINVAULT_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			statusCommand(),
			indexCommand(),
			keygenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := log.NewLogger()
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store files on the ledger; accepts paths, glob patterns and URLs",
		ArgsUsage: "<path|glob|url> [...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "compress", Usage: "zstd-compress payloads before chunking", Value: true},
			&cli.IntFlag{Name: "chunk-size", Usage: "chunk size in bytes (0 = default)"},
			&cli.StringFlag{Name: "id-prefix", Usage: "logical id prefix; entries become <prefix>/<basename>"},
			&cli.StringFlag{Name: "description", Usage: "payload description passed to the session service"},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "dispatch strategy: batched-parallel, sequential or fire-and-forget",
				Value: string(dispatch.StrategyBatchedParallel),
			},
			&cli.IntFlag{Name: "batch-size", Usage: "chunks per dispatch batch (0 = default)"},
			&cli.BoolFlag{Name: "simulate", Usage: "simulate the first chunk transaction before dispatching"},
		},
		Action: runPut,
	}
}

func runPut(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("nothing to store, provide at least one path, glob or URL")
	}

	deps, err := buildDeps(c)
	if err != nil {
		return err
	}

	strategy, err := parseStrategy(c.String("strategy"))
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(deps.rpcClient, deps.keypair, dispatch.Config{
		Strategy:  strategy,
		BatchSize: c.Int("batch-size"),
		Simulate:  c.Bool("simulate"),
	}, deps.logger)

	var uploader *store.Uploader
	if deps.apiClient != nil {
		uploader = store.NewUploader(deps.sessions, dispatcher, deps.apiClient, deps.mirror, deps.index,
			deps.keypair, deps.envRepo, deps.logger)
	} else {
		uploader = store.NewUploader(deps.sessions, dispatcher, nil, deps.mirror, deps.index,
			deps.keypair, deps.envRepo, deps.logger)
	}

	sources, err := resolveSources(c.Context, c.Args().Slice(), deps)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no files matched the provided arguments")
	}

	for _, source := range sources {
		payload, err := os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("read %s: %w", source, err)
		}

		logicalID := ""
		if prefix := c.String("id-prefix"); prefix != "" {
			logicalID = fmt.Sprintf("%s/%s", strings.TrimSuffix(prefix, "/"), filepath.Base(source))
		}

		result, err := uploader.Upload(c.Context, store.UploadInput{
			Payload:     payload,
			Description: c.String("description"),
			Compress:    c.Bool("compress"),
			ChunkSize:   c.Int("chunk-size"),
			LogicalID:   logicalID,
		})
		if err != nil {
			return fmt.Errorf("store %s: %w", source, err)
		}

		deps.logger.Donef("%s -> session %s (%d chunks, digest %s)",
			source, result.SessionHandle, result.TotalChunks, hex.EncodeToString(result.Digest[:]))
	}
	return nil
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "retrieve a payload by logical id or session handle",
		ArgsUsage: "<logical-id|session-handle>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: stdout)"},
			&cli.IntFlag{Name: "max-retries", Usage: "metadata fetch attempts", Value: 5},
		},
		Action: runGet,
	}
}

func runGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide exactly one logical id or session handle")
	}

	deps, err := buildDeps(c)
	if err != nil {
		return err
	}

	handle := c.Args().First()
	if entry, err := deps.index.Lookup(handle); err == nil {
		deps.logger.Debugf("Resolved logical id %s to session %s", handle, entry.SessionHandle)
		handle = entry.SessionHandle
	}

	var sources []store.ChunkSource
	if deps.mirror != nil {
		sources = append(sources, store.NewMirrorSource(deps.mirror))
	}
	if deps.apiClient != nil {
		sources = append(sources, store.NewServiceSource(deps.apiClient))
	}
	sources = append(sources, store.NewHistorySource(deps.rpcClient))

	retriever := store.NewRetriever(deps.sessions, sources, nil,
		store.RetrieveOptions{MaxRetries: c.Int("max-retries")}, deps.envRepo, deps.logger)

	result, err := retriever.Retrieve(c.Context, handle)
	if err != nil {
		return err
	}

	if out := c.String("out"); out != "" {
		if err := os.WriteFile(out, result.Payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		deps.logger.Donef("Wrote %s to %s (from %s)",
			units.HumanSizeWithPrecision(float64(result.Size), 3), out, result.Source)
		return nil
	}
	_, err = os.Stdout.Write(result.Payload)
	return err
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the on-chain state of a session",
		ArgsUsage: "<logical-id|session-handle>",
		Action:    runStatus,
	}
}

func runStatus(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide exactly one logical id or session handle")
	}

	deps, err := buildDeps(c)
	if err != nil {
		return err
	}

	handle := c.Args().First()
	if entry, err := deps.index.Lookup(handle); err == nil {
		handle = entry.SessionHandle
	}

	meta, err := deps.sessions.Fetch(c.Context, handle)
	if err != nil {
		return err
	}

	deps.logger.Printf("Session:      %s", handle)
	deps.logger.Printf("Status:       %s", meta.Status)
	deps.logger.Printf("Total chunks: %d", meta.TotalChunks)
	deps.logger.Printf("Digest:       %s", hex.EncodeToString(meta.Digest[:]))
	deps.logger.Printf("Owner:        %s", base58.Encode(meta.Owner[:]))
	return nil
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "query the local metadata index",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list every recorded entry",
				Action: runIndexList,
			},
			{
				Name:      "lookup",
				Usage:     "show the entry for a logical id",
				ArgsUsage: "<logical-id>",
				Action:    runIndexLookup,
			},
			{
				Name:      "remove",
				Usage:     "drop the entry for a logical id",
				ArgsUsage: "<logical-id>",
				Action:    runIndexRemove,
			},
			{
				Name:      "links",
				Usage:     "walk the link graph from a logical id",
				ArgsUsage: "<logical-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "depth", Usage: "link hops to follow (-1 = unbounded)", Value: -1},
				},
				Action: runIndexLinks,
			},
			{
				Name:      "search",
				Usage:     "find entries with similar embeddings",
				ArgsUsage: "<comma-separated-vector>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "top", Usage: "number of matches", Value: 5},
				},
				Action: runIndexSearch,
			},
		},
	}
}

func runIndexList(c *cli.Context) error {
	deps, err := buildIndexOnlyDeps(c)
	if err != nil {
		return err
	}
	entries := deps.index.Entries()
	if len(entries) == 0 {
		deps.logger.Printf("Index is empty")
		return nil
	}
	for _, entry := range entries {
		deps.logger.Printf("%s -> %s", entry.LogicalID, entry.SessionHandle)
	}
	return nil
}

func runIndexLookup(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide exactly one logical id")
	}
	deps, err := buildIndexOnlyDeps(c)
	if err != nil {
		return err
	}
	entry, err := deps.index.Lookup(c.Args().First())
	if err != nil {
		return err
	}
	deps.logger.Printf("Logical id: %s", entry.LogicalID)
	deps.logger.Printf("Session:    %s", entry.SessionHandle)
	if entry.Description != "" {
		deps.logger.Printf("Description: %s", entry.Description)
	}
	if len(entry.Links) > 0 {
		deps.logger.Printf("Links:      %s", strings.Join(entry.Links, ", "))
	}
	deps.logger.Printf("Stored at:  %s", entry.StoredAt)
	return nil
}

func runIndexRemove(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide exactly one logical id")
	}
	deps, err := buildIndexOnlyDeps(c)
	if err != nil {
		return err
	}
	return deps.index.Remove(c.Args().First())
}

func runIndexLinks(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide exactly one logical id")
	}
	deps, err := buildIndexOnlyDeps(c)
	if err != nil {
		return err
	}
	entries, err := deps.index.Traverse(c.Args().First(), c.Int("depth"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		deps.logger.Printf("%s -> %s", entry.LogicalID, entry.SessionHandle)
	}
	return nil
}

func runIndexSearch(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("provide the query vector as comma-separated numbers")
	}
	deps, err := buildIndexOnlyDeps(c)
	if err != nil {
		return err
	}

	query, err := parseVector(c.Args().First())
	if err != nil {
		return err
	}
	matches, err := deps.index.Nearest(query, c.Int("top"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		deps.logger.Printf("%.4f  %s -> %s", match.Similarity, match.Entry.LogicalID, match.Entry.SessionHandle)
	}
	return nil
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:   "keygen",
		Usage:  "generate a signing key and write it to the keyfile",
		Action: runKeygen,
	}
}

func runKeygen(c *cli.Context) error {
	logger := newLogger(c)
	keyfile := c.String("keyfile")

	if _, err := os.Stat(keyfile); err == nil {
		return fmt.Errorf("keyfile %s already exists, refusing to overwrite", keyfile)
	}

	keypair, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyfile), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(keyfile, []byte(keypair.Export()), 0o600); err != nil {
		return fmt.Errorf("write keyfile: %w", err)
	}

	logger.Donef("Key written to %s", keyfile)
	logger.Printf("Address: %s", keypair.Address())
	return nil
}

// mirrorInputs are the mirror credentials, read from the environment the way
// the AWS tooling expects them to be provided. Both are optional; when unset
// the default AWS credential chain applies.
type mirrorInputs struct {
	AccessKeyID     stepconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
}

// deps are the collaborators shared by the ledger-facing commands.
type deps struct {
	logger    log.Logger
	envRepo   env.Repository
	keypair   *wallet.Keypair
	rpcClient *rpc.Client
	sessions  *session.Manager
	apiClient *network.APIClient
	mirror    store.Mirror
	index     *index.Index
}

func newLogger(c *cli.Context) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool("verbose"))
	return logger
}

func buildDeps(c *cli.Context) (*deps, error) {
	logger := newLogger(c)
	envRepo := env.NewRepository()

	keypair, err := loadKeypair(c.String("keyfile"))
	if err != nil {
		return nil, err
	}

	rpcClient := rpc.NewClient(c.String("rpc-endpoint"), logger)
	sessions := session.NewManager(rpcClient, keypair, 0, 0, logger)

	ix, err := index.Load(c.String("index-file"), logger)
	if err != nil {
		return nil, err
	}

	built := &deps{
		logger:    logger,
		envRepo:   envRepo,
		keypair:   keypair,
		rpcClient: rpcClient,
		sessions:  sessions,
		index:     ix,
	}

	if serviceURL := c.String("service-url"); serviceURL != "" {
		built.apiClient = network.NewAPIClient(retryhttp.NewClient(logger), serviceURL,
			c.String("service-token"), logger)
	}

	if bucket := c.String("mirror-bucket"); bucket != "" {
		var credentials mirrorInputs
		if err := stepconf.NewInputParser(envRepo).Parse(&credentials); err != nil {
			return nil, fmt.Errorf("parse mirror credentials: %w", err)
		}
		s3Mirror, err := mirror.New(c.Context, mirror.Config{
			Region:          c.String("mirror-region"),
			Bucket:          bucket,
			KeyPrefix:       c.String("mirror-prefix"),
			AccessKeyID:     credentials.AccessKeyID,
			SecretAccessKey: credentials.SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("configure mirror: %w", err)
		}
		built.mirror = s3Mirror
	}

	return built, nil
}

func buildIndexOnlyDeps(c *cli.Context) (*deps, error) {
	logger := newLogger(c)
	ix, err := index.Load(c.String("index-file"), logger)
	if err != nil {
		return nil, err
	}
	return &deps{logger: logger, index: ix}, nil
}

func loadKeypair(keyfile string) (*wallet.Keypair, error) {
	data, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, fmt.Errorf("read keyfile %s (run `chainvault keygen` first): %w", keyfile, err)
	}
	keypair, err := wallet.FromBase58(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse keyfile %s: %w", keyfile, err)
	}
	return keypair, nil
}

// resolveSources expands the put arguments into local file paths. Glob
// patterns match via doublestar; URL arguments are fetched to a temp
// location first.
func resolveSources(ctx context.Context, args []string, deps *deps) ([]string, error) {
	provider := stepconf.NewFileProvider(
		filedownloader.NewDownloader(deps.logger),
		fileutil.NewFileManager(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
	)

	var sources []string
	for _, arg := range args {
		switch {
		case strings.Contains(arg, "://"):
			localPath, err := provider.LocalPath(ctx, arg)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", arg, err)
			}
			sources = append(sources, localPath)
		case strings.Contains(arg, "*"):
			matches, err := doublestar.FilepathGlob(arg, doublestar.WithNoFollow())
			if err != nil {
				return nil, fmt.Errorf("bad pattern %s: %w", arg, err)
			}
			if len(matches) == 0 {
				deps.logger.Warnf("No match for pattern: %s", arg)
				continue
			}
			sources = append(sources, matches...)
		default:
			sources = append(sources, arg)
		}
	}
	return sources, nil
}

func parseStrategy(value string) (dispatch.Strategy, error) {
	switch dispatch.Strategy(value) {
	case dispatch.StrategyBatchedParallel, dispatch.StrategySequential, dispatch.StrategyFireAndForget:
		return dispatch.Strategy(value), nil
	default:
		return "", fmt.Errorf("unknown dispatch strategy %q", value)
	}
}

func parseVector(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	vector := make([]float64, 0, len(parts))
	for _, part := range parts {
		number, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", part, err)
		}
		vector = append(vector, number)
	}
	return vector, nil
}

func defaultKeyfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainvault/key"
	}
	return filepath.Join(home, ".chainvault", "key")
}

func defaultIndexFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainvault/index.json"
	}
	return filepath.Join(home, ".chainvault", "index.json")
}
