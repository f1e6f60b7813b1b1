// Package slurm implements scheduler.Client against a SLURM cluster using the
// sbatch, squeue, and scancel command-line tools, which is how both the
// generation and evaluation tools are deployed.
package slurm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/foldrl/bindertune/internal/scheduler"
)

// Config holds cluster-side settings for job submission.
type Config struct {
	// WorkDir holds generated sbatch scripts, job manifests, and stage
	// output directories.
	WorkDir string
	// Partition is the SLURM partition jobs are submitted to.
	Partition string
	// Gres is the generic-resource request, typically a GPU slot.
	Gres string
	// GenCommand and EvalCommand are the tool entrypoints invoked inside the
	// sbatch script for each job kind.
	GenCommand  string
	EvalCommand string
}

// runFunc executes a command and returns its combined output. Injected so
// tests can fake the SLURM tools.
type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// Client submits and tracks jobs on a SLURM cluster.
type Client struct {
	cfg    Config
	logger *slog.Logger
	run    runFunc
}

var _ scheduler.Client = (*Client)(nil)

// New creates a SLURM client using the given configuration.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Partition == "" {
		cfg.Partition = "gpu"
	}
	if cfg.Gres == "" {
		cfg.Gres = "gpu:1"
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		run:    runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Submit writes an sbatch script and a job manifest, submits the script, and
// returns the SLURM job id as the handle. The manifest survives restarts so
// results can be fetched for recovered handles.
func (c *Client) Submit(ctx context.Context, spec scheduler.JobSpec) (scheduler.JobHandle, error) {
	scriptDir := filepath.Join(c.cfg.WorkDir, "scripts")
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}

	script := c.buildScript(spec)
	scriptPath := filepath.Join(scriptDir, spec.Name+".slurm")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("write sbatch script: %w", err)
	}

	out, err := c.run(ctx, "sbatch", scriptPath)
	if err != nil {
		return "", fmt.Errorf("sbatch: %w: %s", err, strings.TrimSpace(out))
	}

	handle, err := parseSubmitOutput(out)
	if err != nil {
		return "", err
	}

	if err := c.writeManifest(handle, spec); err != nil {
		return "", err
	}

	c.logger.Info("slurm job submitted",
		"job_id", string(handle),
		"kind", string(spec.Kind),
		"name", spec.Name,
	)
	return handle, nil
}

// Status maps squeue output onto the uniform job-state vocabulary. A job that
// has left the queue reports succeeded; whether it actually produced output is
// settled by FetchResult.
func (c *Client) Status(ctx context.Context, handle scheduler.JobHandle) (scheduler.JobState, error) {
	out, err := c.run(ctx, "squeue", "-j", string(handle), "-h", "-o", "%T")
	if err != nil {
		if strings.Contains(out, "Invalid job id") {
			return scheduler.StateUnknown, scheduler.ErrUnknownJob
		}
		return scheduler.StateUnknown, fmt.Errorf("squeue: %w: %s", err, strings.TrimSpace(out))
	}

	code := strings.TrimSpace(out)
	if code == "" {
		return scheduler.StateSucceeded, nil
	}
	return mapSqueueState(code), nil
}

// Cancel issues scancel. Cancelling a job that already finished is a no-op on
// the SLURM side and not an error here.
func (c *Client) Cancel(ctx context.Context, handle scheduler.JobHandle) error {
	out, err := c.run(ctx, "scancel", string(handle))
	if err != nil {
		return fmt.Errorf("scancel: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// FetchResult loads the job manifest for the handle and reads the stage's
// output from the work directory.
func (c *Client) FetchResult(ctx context.Context, handle scheduler.JobHandle) (scheduler.Result, error) {
	spec, err := c.readManifest(handle)
	if err != nil {
		return scheduler.Result{}, err
	}

	switch spec.Kind {
	case scheduler.KindGeneration:
		return c.fetchGenerationResult(spec)
	case scheduler.KindEvaluation:
		return c.fetchEvaluationResult(spec)
	default:
		return scheduler.Result{}, fmt.Errorf("unknown job kind %q", spec.Kind)
	}
}

// fetchGenerationResult checks for generated design files under the job's
// output directory. Zero designs means the tool ran but produced nothing,
// which counts as a job failure.
func (c *Client) fetchGenerationResult(spec scheduler.JobSpec) (scheduler.Result, error) {
	outDir := filepath.Join(c.cfg.WorkDir, "gen", spec.Name)
	designs, err := filepath.Glob(filepath.Join(outDir, "designs_*.pdb"))
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("glob designs: %w", err)
	}
	if len(designs) == 0 {
		return scheduler.Result{}, fmt.Errorf("no design files under %s", outDir)
	}
	return scheduler.Result{
		PayloadRef: outDir,
		Detail:     fmt.Sprintf("%d designs", len(designs)),
	}, nil
}

// fetchEvaluationResult parses the evaluation summary JSON into metrics and a
// structure fingerprint.
func (c *Client) fetchEvaluationResult(spec scheduler.JobSpec) (scheduler.Result, error) {
	summaryPath := filepath.Join(c.cfg.WorkDir, "eval", spec.Name, "summary_confidences.json")
	data, err := os.ReadFile(summaryPath)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("read evaluation summary: %w", err)
	}

	metrics, fingerprint, err := ParseSummary(data)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("parse evaluation summary: %w", err)
	}

	return scheduler.Result{
		PayloadRef:  summaryPath,
		Metrics:     metrics,
		Fingerprint: fingerprint,
	}, nil
}

// buildScript renders the sbatch script for a job. Generation invokes the
// structure-generation tool with the mapped parameters; evaluation points the
// evaluation tool at a previous generation's output.
func (c *Client) buildScript(spec scheduler.JobSpec) string {
	logDir := filepath.Join(c.cfg.WorkDir, "logs")

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "#SBATCH --job-name=%s\n", spec.Name)
	fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", c.cfg.Partition)
	fmt.Fprintf(&sb, "#SBATCH --gres=%s\n", c.cfg.Gres)
	fmt.Fprintf(&sb, "#SBATCH --output=%s/%s.out\n", logDir, spec.Name)
	fmt.Fprintf(&sb, "#SBATCH --error=%s/%s.err\n", logDir, spec.Name)
	sb.WriteString("\n")

	switch spec.Kind {
	case scheduler.KindGeneration:
		outPrefix := filepath.Join(c.cfg.WorkDir, "gen", spec.Name, "designs")
		fmt.Fprintf(&sb, "%s \\\n", c.cfg.GenCommand)
		fmt.Fprintf(&sb, "  'contigmap.contigs=[%s-%s]' \\\n",
			spec.Params["contig_length"], spec.Params["contig_length"])
		fmt.Fprintf(&sb, "  inference.output_prefix=%s \\\n", outPrefix)
		fmt.Fprintf(&sb, "  inference.num_designs=%s \\\n", spec.Params["num_designs"])
		fmt.Fprintf(&sb, "  diffuser.T=%s \\\n", spec.Params["diffusion_steps"])
		fmt.Fprintf(&sb, "  potentials.guide_scale=%s\n", spec.Params["guide_scale"])
	case scheduler.KindEvaluation:
		outDir := filepath.Join(c.cfg.WorkDir, "eval", spec.Name)
		fmt.Fprintf(&sb, "%s --designs=%s --output_dir=%s\n",
			c.cfg.EvalCommand, spec.Input, outDir)
	}

	return sb.String()
}

func (c *Client) manifestPath(handle scheduler.JobHandle) string {
	return filepath.Join(c.cfg.WorkDir, "jobs", string(handle)+".json")
}

func (c *Client) writeManifest(handle scheduler.JobHandle, spec scheduler.JobSpec) error {
	dir := filepath.Join(c.cfg.WorkDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(c.manifestPath(handle), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (c *Client) readManifest(handle scheduler.JobHandle) (scheduler.JobSpec, error) {
	data, err := os.ReadFile(c.manifestPath(handle))
	if err != nil {
		return scheduler.JobSpec{}, fmt.Errorf("read manifest for job %s: %w", handle, err)
	}
	var spec scheduler.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return scheduler.JobSpec{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return spec, nil
}

// parseSubmitOutput extracts the job id from sbatch output of the form
// "Submitted batch job 12345".
func parseSubmitOutput(out string) (scheduler.JobHandle, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sbatch output")
	}
	id := fields[len(fields)-1]
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(out))
		}
	}
	return scheduler.JobHandle(id), nil
}

// mapSqueueState maps a squeue state name or code onto the uniform vocabulary.
func mapSqueueState(code string) scheduler.JobState {
	switch strings.ToUpper(code) {
	case "PD", "PENDING", "CF", "CONFIGURING":
		return scheduler.StatePending
	case "R", "RUNNING", "CG", "COMPLETING":
		return scheduler.StateRunning
	case "CD", "COMPLETED":
		return scheduler.StateSucceeded
	case "F", "FAILED", "NF", "NODE_FAIL", "OOM", "OUT_OF_MEMORY", "TO", "TIMEOUT":
		return scheduler.StateFailed
	case "CA", "CANCELLED":
		return scheduler.StateCancelled
	default:
		return scheduler.StateUnknown
	}
}

// ParseSummary extracts numeric metrics and the optional fingerprint vector
// from an evaluation summary JSON document. Non-numeric fields are ignored;
// field naming is settled by configuration at the reward layer.
func ParseSummary(data []byte) (map[string]float64, []float64, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	metrics := make(map[string]float64)
	var fingerprint []float64
	for key, value := range raw {
		switch v := value.(type) {
		case float64:
			metrics[key] = v
		case []any:
			if key != "fingerprint" {
				continue
			}
			for _, elem := range v {
				f, ok := elem.(float64)
				if !ok {
					return nil, nil, fmt.Errorf("fingerprint element %v is not a number", elem)
				}
				fingerprint = append(fingerprint, f)
			}
		}
	}
	return metrics, fingerprint, nil
}
