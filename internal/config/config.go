// Package config parses the CLI surface and contract settings file (spec
// §6) into a single Config the rest of the indexer consumes. CLI parsing
// is built on the teacher's own declared `github.com/spf13/cobra`
// dependency (no direct in-tree usage example survived the retrieval, so
// this follows cobra's standard single-root-command idiom rather than any
// specific in-pack call site); contract settings are YAML via
// `gopkg.in/yaml.v3`, the same library the pack's config-loading code
// reaches for elsewhere.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ContractDecl is one declared contract: a friendly name plus its on-chain
// address (spec §3 "contracts", §6 "-c/--contracts", "--contract-settings").
type ContractDecl struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Config is the fully-resolved set of options the indexer runs with.
type Config struct {
	Contracts         []ContractDecl
	NodeURL           string
	DatabaseURL       string
	BCDUrl            string
	BCDNetwork        string
	Levels            []int64
	IndexAllContracts bool
	Init              bool
	MainSchema        string
	MetricsAddr       string
	PrintVersion      bool
}

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

const defaultMainSchema = "que_pasa"

// rawFlags mirrors the CLI surface of spec §6 before validation/parsing
// into Config's richer types (parsed levels, contract decls, etc).
type rawFlags struct {
	contracts         []string
	contractSettings  string
	nodeURL           string
	databaseURL       string
	bcdURL            string
	bcdNetwork        string
	levels            string
	indexAllContracts bool
	init              bool
	mainSchema        string
	metricsAddr       string
	version           bool
}

// Parse builds a Config from args (typically os.Args[1:]) per spec §6's
// CLI surface table, falling back to DATABASE_URL/NODE_URL environment
// variables when the matching flag is unset.
func Parse(args []string) (*Config, error) {
	var rf rawFlags
	var parsed *Config
	var parseErr error

	root := &cobra.Command{
		Use:           "que-pasa",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, parseErr = rf.resolve()
			return parseErr
		},
	}
	flags := root.Flags()
	flags.StringSliceVarP(&rf.contracts, "contracts", "c", nil, "Declare contracts inline, NAME=ADDR")
	flags.StringVar(&rf.contractSettings, "contract-settings", "", "YAML file of {name,address} contract declarations")
	flags.StringVar(&rf.nodeURL, "node-url", "", "Tezos node base URL")
	flags.StringVar(&rf.databaseURL, "database-url", "", "PostgreSQL DSN")
	flags.StringVar(&rf.bcdURL, "bcd-url", "", "Better-Call-Dev base URL (enables Fast Sync)")
	flags.StringVar(&rf.bcdNetwork, "bcd-network", "", "Better-Call-Dev network name")
	flags.StringVarP(&rf.levels, "levels", "l", "", "Bootstrap levels, RANGE (a-b) or LIST (a,b,c)")
	flags.BoolVar(&rf.indexAllContracts, "index-all-contracts", false, "Discover contracts from chain instead of requiring declarations")
	flags.BoolVar(&rf.init, "init", false, "Drop and recreate the shared schema before starting")
	flags.StringVar(&rf.mainSchema, "main-schema", defaultMainSchema, "Name of the shared schema")
	flags.StringVar(&rf.metricsAddr, "metrics-addr", ":9090", "Address to serve /healthz and /metrics on")
	flags.BoolVar(&rf.version, "version", false, "Print version and exit")
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return parsed, nil
}

func (rf rawFlags) resolve() (*Config, error) {
	if rf.version {
		return &Config{PrintVersion: true}, nil
	}

	cfg := &Config{
		NodeURL:           firstNonEmpty(rf.nodeURL, os.Getenv("NODE_URL")),
		DatabaseURL:       firstNonEmpty(rf.databaseURL, os.Getenv("DATABASE_URL")),
		BCDUrl:            rf.bcdURL,
		BCDNetwork:        rf.bcdNetwork,
		IndexAllContracts: rf.indexAllContracts,
		Init:              rf.init,
		MainSchema:        firstNonEmpty(rf.mainSchema, defaultMainSchema),
		MetricsAddr:       rf.metricsAddr,
	}

	for _, c := range rf.contracts {
		decl, err := parseInlineContract(c)
		if err != nil {
			return nil, err
		}
		cfg.Contracts = append(cfg.Contracts, decl)
	}
	if rf.contractSettings != "" {
		decls, err := loadContractSettings(rf.contractSettings)
		if err != nil {
			return nil, err
		}
		cfg.Contracts = append(cfg.Contracts, decls...)
	}
	if len(cfg.Contracts) == 0 && !cfg.IndexAllContracts {
		return nil, errors.New("config: no contracts declared; pass --contracts, --contract-settings, or --index-all-contracts")
	}

	if cfg.NodeURL == "" {
		return nil, errors.New("config: --node-url (or NODE_URL) is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: --database-url (or DATABASE_URL) is required")
	}

	if rf.levels != "" {
		levels, err := parseLevels(rf.levels)
		if err != nil {
			return nil, errors.Wrap(err, "config: parsing --levels")
		}
		cfg.Levels = levels
	}

	return cfg, nil
}

func parseInlineContract(spec string) (ContractDecl, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ContractDecl{}, fmt.Errorf("config: invalid --contracts entry %q, want NAME=ADDR", spec)
	}
	return ContractDecl{Name: parts[0], Address: parts[1]}, nil
}

func loadContractSettings(path string) ([]ContractDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	var decls []ContractDecl
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return decls, nil
}

// parseLevels accepts either "a-b" (inclusive range) or a comma-separated
// list "a,b,c" (spec §6 "-l/--levels RANGE|LIST").
func parseLevels(s string) ([]int64, error) {
	if strings.Contains(s, "-") && !strings.Contains(s, ",") {
		bounds := strings.SplitN(s, "-", 2)
		if len(bounds) == 2 {
			lo, errLo := strconv.ParseInt(bounds[0], 10, 64)
			hi, errHi := strconv.ParseInt(bounds[1], 10, 64)
			if errLo == nil && errHi == nil {
				if hi < lo {
					return nil, fmt.Errorf("range %q is backwards", s)
				}
				out := make([]int64, 0, hi-lo+1)
				for lvl := lo; lvl <= hi; lvl++ {
					out = append(out, lvl)
				}
				return out, nil
			}
		}
	}

	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lvl, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid level %q", part)
		}
		out = append(out, lvl)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no levels parsed from %q", s)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
