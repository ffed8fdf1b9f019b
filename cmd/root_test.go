package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/fs"
	"github.com/sharedcode/dtx/inmemory"
)

func run(t *testing.T, v *viper.Viper, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(v)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func exported(t *testing.T, out string) map[string]any {
	t.Helper()
	// Skip any log lines written before the JSON document.
	i := strings.Index(out, "{")
	require.GreaterOrEqual(t, i, 0, out)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out[i:]), &m), out)
	return m
}

func TestVersion(t *testing.T) {
	out, err := run(t, viper.New(), "version")
	require.NoError(t, err)
	assert.Equal(t, "dtx v"+dtx.Version+"\n", out)
}

func TestConfig_Defaults(t *testing.T) {
	out, err := run(t, viper.New(), "config")
	require.NoError(t, err)
	m := exported(t, out)
	assert.Equal(t, "none", m["durabilityLevel"])
	assert.Equal(t, float64(dtx.DefaultKeyValueTimeout.Milliseconds()), m["keyValueTimeoutMilliseconds"])
	assert.Equal(t, float64(dtx.DefaultTransactionTimeout.Milliseconds()), m["timeoutMilliseconds"])
	assert.Nil(t, m["queryOptions"])
	cl := m["cleanupOptions"].(map[string]any)
	assert.Equal(t, float64(dtx.DefaultCleanupWindow.Milliseconds()), cl["cleanupWindowMilliseconds"])
	assert.Equal(t, true, cl["cleanupLostAttempts"])
}

func TestConfig_FromFlags(t *testing.T) {
	out, err := run(t, viper.New(), "config",
		"--durability-level", "persistToMajority",
		"--kv-timeout", "3s",
		"--txn-timeout", "20s",
		"--scan-consistency", "requestPlus",
		"--cleanup-window", "30s",
		"--cleanup-client-attempts=false")
	require.NoError(t, err)
	m := exported(t, out)
	assert.Equal(t, "persistToMajority", m["durabilityLevel"])
	assert.Equal(t, float64(3000), m["keyValueTimeoutMilliseconds"])
	assert.Equal(t, float64(20000), m["timeoutMilliseconds"])
	assert.Equal(t, "requestPlus", m["queryOptions"].(map[string]any)["scanConsistency"])
	cl := m["cleanupOptions"].(map[string]any)
	assert.Equal(t, float64(30000), cl["cleanupWindowMilliseconds"])
	assert.Equal(t, false, cl["cleanupClientAttempts"])
}

func TestConfig_FromEnv(t *testing.T) {
	t.Setenv("DTX_DURABILITY_LEVEL", "majority")
	t.Setenv("DTX_KV_TIMEOUT", "4s")
	t.Setenv("DTX_DURABILITY_RULE", `persistToMajority:key.startsWith("order:"); none:key == "scratch"`)

	v := NewViper()
	_, err := run(t, v, "config")
	require.NoError(t, err)

	cfg, err := LoadConfiguration(v)
	require.NoError(t, err)
	assert.Equal(t, dtx.DurabilityMajority, cfg.DurabilityLevel)
	assert.Equal(t, 4*time.Second, cfg.KeyValueTimeout)
	require.Len(t, cfg.DurabilityRules, 2)
	assert.Equal(t, `key.startsWith("order:")`, cfg.DurabilityRules[0].Expression)
	assert.Equal(t, dtx.DurabilityPersistToMajority, cfg.DurabilityRules[0].Level)
	assert.Equal(t, dtx.DurabilityNone, cfg.DurabilityRules[1].Level)
}

func TestConfig_Invalid(t *testing.T) {
	tests := [][]string{
		{"config", "--durability-level", "quorum"},
		{"config", "--scan-consistency", "eventually"},
		{"config", "--durability-rule", "majority"},
		{"config", "--durability-rule", "sometimes:true"},
		{"config", "--kv-timeout", "-1s"},
	}
	for _, args := range tests {
		_, err := run(t, viper.New(), args...)
		assert.Error(t, err, "args %v", args)
	}
}

func TestSweep_InMemory(t *testing.T) {
	out, err := run(t, viper.New(), "sweep", "--sweeper-id", "cli-test")
	require.NoError(t, err)
	assert.Contains(t, out, "sweeper cli-test resolved 0 transaction(s)")
}

func TestSweep_FSRecordStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	out, err := run(t, viper.New(), "sweep", "--record-store", "fs", "--fs-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "resolved 0")
	assert.DirExists(t, dir)
}

func bound(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	root := NewRootCmd(v)
	require.NoError(t, root.ParseFlags(args))
	require.NoError(t, v.BindPFlags(root.PersistentFlags()))
	return v
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, bound(t, "--inmemory-nodes", "5"))
	require.NoError(t, err)
	assert.IsType(t, &inmemory.Cluster{}, b.Docs)
	assert.IsType(t, &inmemory.RecordStore{}, b.Records)
	assert.IsType(t, &inmemory.Locker{}, b.Locker)
	assert.Nil(t, b.Archiver)
	n, err := b.Docs.(dtx.ReplicaObserver).Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, b.Close())

	b, err = OpenBackend(ctx, bound(t, "--record-store", "fs", "--fs-dir", t.TempDir()))
	require.NoError(t, err)
	assert.IsType(t, &fs.RecordStore{}, b.Records)
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, bound(t, "--record-store", "mongo"))
	assert.Error(t, err)
	_, err = OpenBackend(ctx, bound(t, "--document-store", "cassandra"))
	assert.Error(t, err)
	_, err = OpenBackend(ctx, bound(t, "--document-store", "redis", "--redis-url", "http://nope"))
	assert.Error(t, err)
}

func TestCassandraConfig(t *testing.T) {
	cfg, err := cassandraConfig(bound(t,
		"--cassandra-hosts", "10.0.0.1, 10.0.0.2",
		"--cassandra-consistency", "QUORUM",
		"--cassandra-username", "dtx",
		"--cassandra-password", "secret"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.ClusterHosts)
	assert.Equal(t, "dtx", cfg.Keyspace)
	assert.Equal(t, gocql.Quorum, cfg.Consistency)
	assert.Equal(t, gocql.PasswordAuthenticator{Username: "dtx", Password: "secret"}, cfg.Authenticator)

	_, err = cassandraConfig(bound(t, "--cassandra-consistency", "MOST"))
	assert.Error(t, err)
	_, err = cassandraConfig(bound(t, "--cassandra-hosts", " , "))
	assert.Error(t, err)
}

func TestWrapString(t *testing.T) {
	s := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(s, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "", WrapString("  "))
}
