package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/allocsync/internal/core"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	require.NotNil(t, cmd)
	assert.Equal(t, "allocsync", cmd.Use)
	assert.Equal(t, "1.2.3", cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	for _, name := range []string{"run", "parse", "seed", "migrate", "sources", "runs", "serve"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "sources", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

const ogunPage = `<html><body><table class="allocations">
<tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
<tr><td>January 2024</td><td>1,000.00</td><td>Ifo</td></tr>
<tr><td>February 2024</td><td>n/a</td><td>Ewekoro</td></tr>
</table></body></html>`

func TestParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ogun.html")
	require.NoError(t, os.WriteFile(path, []byte(ogunPage), 0o644))

	out, err := execute(t, "parse", path, "--parser", "ogun_allocations_v1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 rows, 1 candidates, 1 skipped")
	assert.Contains(t, out, "Ifo")
	assert.Contains(t, out, "invalid_amount")

	out, err = execute(t, "parse", path, "-p", "ogun_allocations_v1", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string               `json:"status"`
		Data   core.PreviewResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Summary.Candidates)
	assert.Equal(t, "1000.00", resp.Data.Candidates[0].Amount)
}

func TestParseCommand_UnknownParser(t *testing.T) {
	_, err := execute(t, "parse", "page.html", "--parser", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ogun_allocations_v1")
}

func TestSourcesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - name: Ogun portal
    url: https://ogunstate.gov.ng/allocations
    parser: ogun_allocations_v1
    jurisdiction: {name: Ogun, code: og}
`), 0o644))

	out, err := execute(t, "sources", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Ogun portal")
	assert.Contains(t, out, "OG")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sources:\n  - name: x\n"), 0o644))
	_, err = execute(t, "sources", "--file", bad)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSelectSources(t *testing.T) {
	all := []core.SourceConfig{
		{SourceDescriptor: core.SourceDescriptor{Name: "Ogun portal"}},
		{SourceDescriptor: core.SourceDescriptor{Name: "Lagos portal"}},
	}

	got, err := selectSources(all, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = selectSources(all, []string{"lagos PORTAL"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Lagos portal", got[0].Name)

	_, err = selectSources(all, []string{"Kano"})
	assert.Error(t, err)
}

func TestToURL(t *testing.T) {
	got, err := toURL("https://example.test/a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/a", got)

	got, err = toURL("page.html")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "file:///"), got)
	assert.True(t, strings.HasSuffix(got, "/page.html"), got)
}

func TestRunReports(t *testing.T) {
	results := []core.RunResult{
		{
			RunID:      uuid.New(),
			SourceName: "Ogun portal",
			Outcome:    core.OutcomeCompleted,
			Stage:      core.StageDone,
			TotalRows:  2,
			Inserted:   1,
			Skipped:    1,
			Rows: []core.RowOutcome{
				{Index: 0, Status: core.RowInserted},
				{Index: 1, Status: core.RowSkipped, Reason: core.SkipInvalidAmount, Raw: []string{"February 2024", "n/a"}},
			},
			Duration: 1500 * time.Millisecond,
		},
		{
			SourceName: "Lagos portal",
			Outcome:    core.OutcomeSkipped,
			Stage:      core.StageDone,
			HaltedAt:   core.StageParse,
			Reason:     core.SkipNoRows,
		},
	}

	reports := runReports(results)
	require.Len(t, reports, 2)
	assert.Equal(t, int64(1500), reports[0].DurationMs)
	require.Len(t, reports[0].SkippedRows, 1)
	assert.Equal(t, "ROW004", reports[0].SkippedRows[0].Code)
	assert.Equal(t, core.MapSkip(core.SkipNoRows).Code, reports[1].Code)

	var buf bytes.Buffer
	printResults(&buf, results, true)
	assert.Contains(t, buf.String(), "skipped (no_rows)")
	assert.Contains(t, buf.String(), "row 1: invalid_amount")
	assert.Equal(t, 1, countOutcome(results, core.OutcomeSkipped))
}

func TestOutputFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Error(CLIError{Code: "SRC001", Message: "fetch failed"}))
	assert.JSONEq(t, `{"status":"error","error":{"code":"SRC001","message":"fetch failed"}}`, buf.String())

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Error(CLIError{Code: "SRC001", Message: "fetch failed"}))
	assert.Equal(t, "Error [SRC001]: fetch failed\n", buf.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", errors.New("x"))))
}

func TestExecute_ReportsErrorsInFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), "test", []string{"parse", "x.html", "--parser", "nope", "--format", "json"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	var resp Response
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "unknown parser")

	stdout.Reset()
	code = Execute(context.Background(), "test", []string{"sources", "--file", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "Error [")
}
