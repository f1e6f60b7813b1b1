package slurm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foldrl/bindertune/internal/scheduler"
)

func newTestClient(t *testing.T, run runFunc) *Client {
	t.Helper()
	c := New(Config{
		WorkDir:     t.TempDir(),
		Partition:   "3090",
		GenCommand:  "run_inference.py",
		EvalCommand: "run_fold_eval.py",
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	c.run = run
	return c
}

func TestParseSubmitOutput(t *testing.T) {
	handle, err := parseSubmitOutput("Submitted batch job 48213\n")
	if err != nil {
		t.Fatalf("parseSubmitOutput: %v", err)
	}
	if handle != "48213" {
		t.Errorf("handle = %q, want 48213", handle)
	}
}

func TestParseSubmitOutputMalformed(t *testing.T) {
	for _, out := range []string{"", "sbatch: error: invalid partition", "Submitted batch job"} {
		if _, err := parseSubmitOutput(out); err == nil {
			t.Errorf("parseSubmitOutput(%q) succeeded, want error", out)
		}
	}
}

func TestMapSqueueState(t *testing.T) {
	cases := []struct {
		code string
		want scheduler.JobState
	}{
		{"PD", scheduler.StatePending},
		{"R", scheduler.StateRunning},
		{"CG", scheduler.StateRunning},
		{"RUNNING", scheduler.StateRunning},
		{"CD", scheduler.StateSucceeded},
		{"F", scheduler.StateFailed},
		{"TIMEOUT", scheduler.StateFailed},
		{"CA", scheduler.StateCancelled},
		{"REQUEUED", scheduler.StateUnknown},
	}
	for _, tc := range cases {
		if got := mapSqueueState(tc.code); got != tc.want {
			t.Errorf("mapSqueueState(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestStatusJobLeftQueue(t *testing.T) {
	c := newTestClient(t, func(ctx context.Context, name string, args ...string) (string, error) {
		return "\n", nil
	})

	state, err := c.Status(context.Background(), "100")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != scheduler.StateSucceeded {
		t.Errorf("state = %q, want succeeded for job absent from queue", state)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	c := newTestClient(t, func(ctx context.Context, name string, args ...string) (string, error) {
		return "slurm_load_jobs error: Invalid job id specified\n", errors.New("exit status 1")
	})

	_, err := c.Status(context.Background(), "999")
	if !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestSubmitWritesScriptAndManifest(t *testing.T) {
	var sbatchArgs []string
	c := newTestClient(t, func(ctx context.Context, name string, args ...string) (string, error) {
		if name != "sbatch" {
			t.Errorf("unexpected command %q", name)
		}
		sbatchArgs = args
		return "Submitted batch job 555\n", nil
	})

	spec := scheduler.JobSpec{
		Kind: scheduler.KindGeneration,
		Name: "gen_ep01",
		Params: map[string]string{
			"contig_length":   "120",
			"num_designs":     "20",
			"diffusion_steps": "50",
			"guide_scale":     "2.0",
		},
	}
	handle, err := c.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "555" {
		t.Errorf("handle = %q, want 555", handle)
	}

	script, err := os.ReadFile(sbatchArgs[0])
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	for _, want := range []string{
		"#SBATCH --partition=3090",
		"contigmap.contigs=[120-120]",
		"inference.num_designs=20",
		"diffuser.T=50",
		"potentials.guide_scale=2.0",
	} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}

	// Manifest must round-trip so FetchResult works after a restart.
	got, err := c.readManifest(handle)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if got.Params["contig_length"] != "120" {
		t.Errorf("manifest contig_length = %q, want 120", got.Params["contig_length"])
	}
}

func TestFetchEvaluationResult(t *testing.T) {
	c := newTestClient(t, nil)
	spec := scheduler.JobSpec{Kind: scheduler.KindEvaluation, Name: "eval_ep01"}
	if err := c.writeManifest("777", spec); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	evalDir := filepath.Join(c.cfg.WorkDir, "eval", "eval_ep01")
	if err := os.MkdirAll(evalDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	summary := `{"iptm": 0.85, "ptm": 0.9, "contacts": 12, "ranking_score": 0.88,
		"fingerprint": [0.1, 0.2, 0.3], "model_version": "v2"}`
	if err := os.WriteFile(filepath.Join(evalDir, "summary_confidences.json"), []byte(summary), 0o644); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	res, err := c.FetchResult(context.Background(), "777")
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	if res.Metrics["iptm"] != 0.85 || res.Metrics["contacts"] != 12 {
		t.Errorf("metrics = %v, want iptm 0.85 and contacts 12", res.Metrics)
	}
	if len(res.Fingerprint) != 3 || res.Fingerprint[1] != 0.2 {
		t.Errorf("fingerprint = %v, want [0.1 0.2 0.3]", res.Fingerprint)
	}
}

func TestFetchGenerationResultNoDesigns(t *testing.T) {
	c := newTestClient(t, nil)
	spec := scheduler.JobSpec{Kind: scheduler.KindGeneration, Name: "gen_empty"}
	if err := c.writeManifest("888", spec); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	if _, err := c.FetchResult(context.Background(), "888"); err == nil {
		t.Error("FetchResult succeeded with no design files, want error")
	}
}

func TestFetchGenerationResult(t *testing.T) {
	c := newTestClient(t, nil)
	spec := scheduler.JobSpec{Kind: scheduler.KindGeneration, Name: "gen_ok"}
	if err := c.writeManifest("889", spec); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	genDir := filepath.Join(c.cfg.WorkDir, "gen", "gen_ok")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"designs_0.pdb", "designs_1.pdb"} {
		if err := os.WriteFile(filepath.Join(genDir, name), []byte("ATOM"), 0o644); err != nil {
			t.Fatalf("write design: %v", err)
		}
	}

	res, err := c.FetchResult(context.Background(), "889")
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	if res.PayloadRef != genDir {
		t.Errorf("PayloadRef = %q, want %q", res.PayloadRef, genDir)
	}
	if res.Detail != "2 designs" {
		t.Errorf("Detail = %q, want \"2 designs\"", res.Detail)
	}
}
