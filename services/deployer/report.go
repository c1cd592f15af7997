package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	"omniloyalty/orchestration"
)

// ErrProgramsFailed reports a run that finished with per-program failures.
var ErrProgramsFailed = errors.New("deployer: one or more programs failed")

// Process exit codes.
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitPartial   = 2
	ExitCancelled = 3
)

// Report is the persisted record of a run.
type Report struct {
	Network  string                `json:"network"`
	ChainID  uint64                `json:"chainId"`
	Deployer common.Address        `json:"deployer"`
	DryRun   bool                  `json:"dryRun"`
	Result   *orchestration.Result `json:"result"`
}

// RunSummary is the listing view of an archived run.
type RunSummary struct {
	RunID    string                  `json:"runId"`
	Status   orchestration.RunStatus `json:"status"`
	Network  string                  `json:"network"`
	DryRun   bool                    `json:"dryRun"`
	Programs int                     `json:"programs"`
	Failed   int                     `json:"failed"`
	Started  string                  `json:"startedAt"`
}

// Summary condenses the report for listings.
func (r Report) Summary() RunSummary {
	s := RunSummary{Network: r.Network, DryRun: r.DryRun}
	if r.Result == nil {
		return s
	}
	s.RunID = r.Result.RunID
	s.Status = r.Result.Status
	s.Programs = len(r.Result.Programs)
	s.Failed = len(r.Result.Failed())
	s.Started = r.Result.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	return s
}

// WriteReport writes the report as indented JSON. A path of "-" writes to stdout.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// LogSummary logs one line per step of the run.
func LogSummary(logger *slog.Logger, report Report) {
	result := report.Result
	if result == nil {
		return
	}
	logger = logger.With("run", result.RunID)
	for _, step := range result.Setup {
		logger.Info("setup step",
			"step", string(step.Name),
			"status", string(step.Status),
			"failure", string(step.Failure),
			"tx", txLabel(step.TxHash),
			"detail", step.Detail,
		)
	}
	for _, program := range result.Programs {
		attrs := []any{
			"index", program.Index,
			"name", program.Spec.Name,
			"commerce", program.Spec.Commerce.Hex(),
			"trust", string(program.Trust),
		}
		if (program.Program != common.Address{}) {
			attrs = append(attrs, "program", program.Program.Hex())
		}
		if program.Mint != nil && program.Mint.BalanceAfter != nil {
			attrs = append(attrs, "balance", program.Mint.BalanceAfter.String())
		}
		if program.Succeeded() {
			logger.Info("program ready", attrs...)
			continue
		}
		logger.Warn("program failed", append(attrs, "failure", string(program.Failure), "error", program.Err())...)
	}
	logger.Info("run summary",
		"status", string(result.Status),
		"token", result.Token.Address.Hex(),
		"factory", result.Factory.Address.Hex(),
		"programs", len(result.Programs),
		"failed", len(result.Failed()),
		"duration", result.FinishedAt.Sub(result.StartedAt).String(),
	)
}

func txLabel(hash common.Hash) string {
	if (hash == common.Hash{}) {
		return ""
	}
	return hash.Hex()
}

// runError maps a finished run to the error Main returns.
func runError(result *orchestration.Result, err error) error {
	if err != nil {
		return err
	}
	if result != nil && result.Status == orchestration.RunCompletedWithFailures {
		return fmt.Errorf("%w: %d of %d", ErrProgramsFailed, len(result.Failed()), len(result.Programs))
	}
	return nil
}

// ExitCode maps the error returned by Main to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrProgramsFailed):
		return ExitPartial
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitFatal
	}
}
