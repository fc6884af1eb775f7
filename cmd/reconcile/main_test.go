package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeExports(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"floor_mapping.csv":    "cost_center,department,region,district\nFLOOR_00123,Bayern,Süd,München\n",
		"hq_mapping.csv":       "cost_center,department,region\n10045,Hauptverwaltung,Zentrale\n",
		"sap_transactions.csv": "id,cost_center,amount,text\np1,3001234,100,Plakate\np2,3001234,90,Flyer 3050\n",
		"msp_measures.csv":     "order_number,title,estimated_budget,group_membership\n3050,Flyer,100,Marketing-Gruppe BY\n3070,Radio,70,Regionalteam BW\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestReconcileWorkflow(t *testing.T) {
	exports := writeExports(t)
	base := []string{"--env", "", "--backend", "sqlite", "--sqlite-path", filepath.Join(t.TempDir(), "r.db"), "-o", "json"}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(append([]string{}, base...), args...)...)
		require.NoError(t, err, args)
		return out
	}

	_, err := execute(t, append(append([]string{}, base...), "inspect")...)
	assert.ErrorIs(t, err, errNoResult)

	var imported struct {
		Batch string         `json:"batch_id"`
		Rows  map[string]int `json:"rows"`
	}
	decode(t, run("import", "--dir", exports), &imported)
	assert.Equal(t, defaultImportBatch, imported.Batch)
	assert.Equal(t, 2, imported.Rows["sap_transactions"])
	assert.Equal(t, 1, imported.Rows["floor_mapping"])

	var summary struct {
		Session struct {
			Status string `json:"status"`
			Mode   string `json:"mode"`
		} `json:"session"`
		Statistics struct {
			TotalTransactions  int `json:"total_transactions"`
			UnassignedMeasures int `json:"unassigned_measures"`
		} `json:"statistics"`
	}
	decode(t, run("run", "--mode", "full"), &summary)
	assert.Equal(t, "COMPLETED", summary.Session.Status)
	assert.Equal(t, "FULL", summary.Session.Mode)
	assert.Equal(t, 3, summary.Statistics.TotalTransactions)
	assert.Equal(t, 1, summary.Statistics.UnassignedMeasures)

	var txs []map[string]any
	decode(t, run("inspect", "--category", "DIRECT_COST"), &txs)
	require.Len(t, txs, 1)
	assert.Equal(t, "p1", txs[0]["transaction_id"])

	var parked map[string]any
	decode(t, run("assign", "3070", "--region", "Süd", "--district", "München", "--by", "tester"), &parked)
	assert.Equal(t, "PARKED_MEASURE", parked["category"])

	decode(t, run("inspect", "--category", "PARKED_MEASURE"), &txs)
	require.Len(t, txs, 1)

	// An incremental run with unchanged sources keeps the assignment.
	decode(t, run("run"), &summary)
	assert.Equal(t, "INCREMENTAL", summary.Session.Mode)
	assert.Equal(t, 0, summary.Statistics.UnassignedMeasures)

	var alloc struct {
		Departments map[string]struct {
			AllocatedBudget string `json:"allocated_budget"`
		} `json:"departments"`
	}
	decode(t, run("budget", "show"), &alloc)
	assert.Contains(t, alloc.Departments, "Bayern|Floor")

	run("budget", "set", "--key", "Bayern|Floor", "--amount", "2500")
	decode(t, run("budget", "show"), &alloc)
	assert.Equal(t, "2500", alloc.Departments["Bayern|Floor"].AllocatedBudget)

	var backups []string
	decode(t, run("budget", "backups"), &backups)
	assert.NotEmpty(t, backups)

	var sessions []map[string]any
	decode(t, run("sessions", "--limit", "5"), &sessions)
	assert.Len(t, sessions, 2)

	var stats map[string]any
	decode(t, run("stats"), &stats)
	assert.Equal(t, "INCREMENTAL", stats["mode"])
}

func TestRunRejectsUnknownMode(t *testing.T) {
	_, err := execute(t, "--env", "", "--backend", "memory", "run", "--mode", "SOMETIMES")
	assert.Error(t, err)
}

func TestImportNeedsSQLite(t *testing.T) {
	_, err := execute(t, "--env", "", "--backend", "memory", "import", "--dir", writeExports(t))
	assert.ErrorContains(t, err, "sqlite")
}

func TestTriageSyncNeedsNotionConfig(t *testing.T) {
	t.Setenv("RECONCILER_NOTION_TOKEN", "")
	_, err := execute(t, "--env", "", "--backend", "memory", "triage", "sync", "--dry-run")
	assert.ErrorContains(t, err, "NOTION")
}

func TestTableOutput(t *testing.T) {
	out, err := execute(t, "--env", "", "--backend", "memory", "-o", "table", "sessions")
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(out), "SESSION")
}
