package main

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/logger"
)

const (
	defaultLogFilename    = "shoalnode.log"
	defaultErrLogFilename = "shoalnode_err.log"
	defaultDataDirname    = "shoalnode"
	defaultWindowSize     = 100
	defaultQuorumStakeBps = 6667 // 2f+1 of 3f+1 total stake, in basis points
)

var (
	defaultHomeDir    = defaultAppDataDir()
	defaultLogFile    = filepath.Join(defaultHomeDir, defaultLogFilename)
	defaultErrLogFile = filepath.Join(defaultHomeDir, defaultErrLogFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, "data")
)

// defaultAppDataDir resolves a per-user data directory. The teacher's own
// AppDataDir helper wasn't retrieved alongside the rest of util/; this is
// a minimal stand-in following the same "$HOME/.<appname>" convention.
func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+defaultDataDirname)
	}
	return filepath.Join(home, "."+defaultDataDirname)
}

type config struct {
	DataDir        string   `long:"datadir" description:"Directory to store the DAG and pending-node databases"`
	DebugLevel     string   `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}" default:"info"`
	WindowSize     uint64   `long:"window-size" description:"Number of DAG rounds retained by each store"`
	QuorumStakeBps uint32   `long:"quorum-stake-bps" description:"Stake threshold (basis points) required to form a certificate"`
	MaxTxns        int      `long:"max-txns" description:"Maximum transactions pulled into one node's payload"`
	MaxBytes       int      `long:"max-bytes" description:"Maximum payload bytes pulled into one node"`
	Peers          []string `long:"peer" description:"Peer address (repeatable); at least one per DAG instance is expected"`
}

func parseConfig() (*config, error) {
	cfg := &config{
		DataDir:        defaultDataDir,
		WindowSize:     defaultWindowSize,
		QuorumStakeBps: defaultQuorumStakeBps,
		MaxTxns:        2000,
		MaxBytes:       2 << 20,
	}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}

	if cfg.WindowSize == 0 {
		return nil, errors.New("--window-size must be positive")
	}
	if cfg.QuorumStakeBps == 0 || cfg.QuorumStakeBps > 10000 {
		return nil, errors.New("--quorum-stake-bps must be in (0, 10000]")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}
	if err := os.MkdirAll(defaultHomeDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}

	logger.InitLogRotators(defaultLogFile, defaultErrLogFile)
	if err := logger.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, errors.Wrap(err, "parsing --debuglevel")
	}

	return cfg, nil
}
