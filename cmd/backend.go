package cmd

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"

	"github.com/gocql/gocql"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/aws_s3"
	"github.com/sharedcode/dtx/cassandra"
	"github.com/sharedcode/dtx/fs"
	"github.com/sharedcode/dtx/inmemory"
	"github.com/sharedcode/dtx/redis"
)

// Store kinds accepted by --record-store and --document-store.
const (
	storeInMemory  = "inmemory"
	storeRedis     = "redis"
	storeCassandra = "cassandra"
	storeFS        = "fs"
)

func addBackendFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("record-store", storeInMemory, WrapString("Where cleanup records live (inmemory, redis, cassandra, fs)"))
	f.String("document-store", storeInMemory, WrapString("Where documents live (inmemory, redis)"))
	f.Int("inmemory-nodes", 3, WrapString("Nodes of the simulated in-memory cluster"))
	f.Duration("inmemory-replication-lag", 0, WrapString("Replication lag of the simulated in-memory cluster"))
	f.Duration("inmemory-persistence-lag", 0, WrapString("Persistence lag of the simulated in-memory cluster"))
	f.String("redis-url", "redis://localhost:6379/0", WrapString("Redis URL (redis:// or rediss://)"))
	f.String("key-prefix", "dtx", WrapString("Prefix of every Redis key written"))
	f.String("cassandra-hosts", "localhost", WrapString("Comma-separated Cassandra contact points"))
	f.String("cassandra-keyspace", "dtx", WrapString("Cassandra keyspace of the cleanup_record table"))
	f.String("cassandra-consistency", "LOCAL_QUORUM", WrapString("Cassandra consistency of cleanup record queries"))
	f.String("cassandra-username", "", WrapString("Cassandra username, empty for no authentication"))
	f.String("cassandra-password", "", WrapString("Cassandra password"))
	f.String("fs-dir", "dtx-records", WrapString("Directory of the fs record store"))
	f.String("archive-bucket", "", WrapString("S3 bucket where resolved cleanup records are archived, empty disables archiving"))
	f.String("archive-prefix", "cleanup/", WrapString("Object key prefix of archived records"))
	f.String("s3-endpoint", "", WrapString("S3 endpoint, e.g. http://127.0.0.1:9000 for MinIO; empty for AWS"))
	f.String("s3-region", "us-east-1", WrapString("S3 region"))
	f.String("s3-access-key", "", WrapString("S3 access key"))
	f.String("s3-secret-key", "", WrapString("S3 secret key"))
	f.Bool("s3-path-style", false, WrapString("Use path style S3 addressing"))
}

// Backend is the set of stores a command runs against.
type Backend struct {
	Records  dtx.RecordStore
	Docs     dtx.DocumentStore
	Locker   dtx.Locker
	Archiver dtx.Archiver
	closers  []func() error
}

// Close releases every connection the backend opened.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenBackend opens the stores selected in v. The Locker is Redis backed when
// Redis is used for either store, in-process otherwise.
func OpenBackend(ctx context.Context, v *viper.Viper) (*Backend, error) {
	b := &Backend{}
	var conn *redis.Connection
	openRedis := func() (*redis.Connection, error) {
		if conn != nil {
			return conn, nil
		}
		opts, err := redis.OptionsFromURL(v.GetString("redis-url"))
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if p := v.GetString("key-prefix"); p != "" {
			opts.KeyPrefix = p
		}
		if conn, err = redis.OpenConnection(opts); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, redis.CloseConnection)
		if err := redis.Ping(ctx, conn); err != nil {
			return nil, err
		}
		return conn, nil
	}

	fail := func(err error) (*Backend, error) {
		if cerr := b.Close(); cerr != nil {
			log.Warn("closing backend after failed open", "error", cerr)
		}
		return nil, err
	}

	switch kind := strings.ToLower(v.GetString("document-store")); kind {
	case storeInMemory:
		b.Docs = inmemory.NewCluster(inmemory.ClusterOptions{
			Nodes:          v.GetInt("inmemory-nodes"),
			ReplicationLag: v.GetDuration("inmemory-replication-lag"),
			PersistenceLag: v.GetDuration("inmemory-persistence-lag"),
		})
	case storeRedis:
		c, err := openRedis()
		if err != nil {
			return fail(err)
		}
		docs := redis.NewDocumentStore(c)
		b.Docs = docs
		b.closers = append(b.closers, docs.Close)
	default:
		return fail(fmt.Errorf("invalid document store %q (expected inmemory or redis)", kind))
	}

	switch kind := strings.ToLower(v.GetString("record-store")); kind {
	case storeInMemory:
		b.Records = inmemory.NewRecordStore()
	case storeRedis:
		c, err := openRedis()
		if err != nil {
			return fail(err)
		}
		b.Records = redis.NewRecordStore(c)
	case storeCassandra:
		cfg, err := cassandraConfig(v)
		if err != nil {
			return fail(err)
		}
		c, err := cassandra.OpenConnection(cfg)
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, func() error {
			cassandra.CloseConnection()
			return nil
		})
		b.Records = cassandra.NewRecordStore(c)
	case storeFS:
		rs, err := fs.NewRecordStore(v.GetString("fs-dir"))
		if err != nil {
			return fail(err)
		}
		b.Records = rs
	default:
		return fail(fmt.Errorf("invalid record store %q (expected inmemory, redis, cassandra or fs)", kind))
	}

	if conn != nil {
		b.Locker = redis.NewLocker(conn)
	} else {
		b.Locker = inmemory.NewLocker()
	}

	if bucket := v.GetString("archive-bucket"); bucket != "" {
		a, err := openArchive(ctx, v, bucket)
		if err != nil {
			return fail(err)
		}
		b.Archiver = a
	}
	return b, nil
}

func cassandraConfig(v *viper.Viper) (cassandra.Config, error) {
	consistency, err := gocql.ParseConsistencyWrapper(v.GetString("cassandra-consistency"))
	if err != nil {
		return cassandra.Config{}, err
	}
	cfg := cassandra.Config{
		ClusterHosts: stringList(v, "cassandra-hosts", ","),
		Keyspace:     v.GetString("cassandra-keyspace"),
		Consistency:  consistency,
	}
	if len(cfg.ClusterHosts) == 0 {
		return cassandra.Config{}, errors.New("cassandra record store needs at least one host")
	}
	if u := v.GetString("cassandra-username"); u != "" {
		cfg.Authenticator = gocql.PasswordAuthenticator{Username: u, Password: v.GetString("cassandra-password")}
	}
	return cfg, nil
}

func openArchive(ctx context.Context, v *viper.Viper, bucket string) (*aws_s3.Archive, error) {
	region := v.GetString("s3-region")
	client := aws_s3.Connect(aws_s3.Config{
		HostEndpointUrl: v.GetString("s3-endpoint"),
		Region:          region,
		Username:        v.GetString("s3-access-key"),
		Password:        v.GetString("s3-secret-key"),
		UsePathStyle:    v.GetBool("s3-path-style"),
	})
	mb, err := aws_s3.NewManageBucket(client, region)
	if err != nil {
		return nil, err
	}
	if err := mb.EnsureBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("archive bucket %s: %w", bucket, err)
	}
	return aws_s3.NewArchive(client, bucket, v.GetString("archive-prefix"))
}
