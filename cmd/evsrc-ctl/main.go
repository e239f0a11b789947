// Command evsrc-ctl is a small operator tool for exercising the commit
// store without the surrounding event-sourcing framework: create a
// stream via a test commit, dump undispatched commits, and mark one
// dispatched. It talks to the local backend by default, or to a live
// Azure Storage account when -azure-service-url is set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evsrc/evsrc/chptlog"
	"github.com/evsrc/evsrc/engine"
	"github.com/evsrc/evsrc/evsrcconfig"
	"github.com/evsrc/evsrc/objstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "commit":
		runCommit(os.Args[2:])
	case "undispatched":
		runUndispatched(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: evsrc-ctl <commit|undispatched|dispatch> [flags]")
}

func buildEngine(dataDir, containerName, azureServiceURL string) (*engine.Engine, *chptlog.Store, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, err
	}

	cfg := evsrcconfig.Config{
		ContainerName:   containerName,
		Backend:         evsrcconfig.BackendLocal,
		DataDir:         dataDir,
		AzureServiceURL: azureServiceURL,
	}
	if azureServiceURL != "" {
		cfg.Backend = evsrcconfig.BackendAzure
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, nil, err
	}

	var backend objstore.Backend
	switch cfg.Backend {
	case evsrcconfig.BackendAzure:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("evsrc-ctl: default azure credential: %w", err)
		}
		backend, err = objstore.NewAzureBackend(cfg.AzureServiceURL, cred)
		if err != nil {
			return nil, nil, err
		}
	default:
		backend, err = objstore.NewLocalBackend(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
	}

	log, err := chptlog.NewStore(cfg.DataDir + "/chptlog")
	if err != nil {
		return nil, nil, err
	}

	eng := engine.NewEngine(engine.Config{
		ContainerName:           cfg.ContainerName,
		BlobNumPages:            cfg.BlobNumPages,
		ParallelConnectionLimit: cfg.ParallelConnectionLimit,
	}, backend, engine.NewJSONSerializer(), engine.SystemClock{}, logger, log)

	return eng, log, nil
}

func runCommit(args []string) {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./evsrc-data", "local backend data directory")
	container := fs.String("container", "demo", "container name")
	azureURL := fs.String("azure-service-url", "", "azure blob service URL; when set, talks to Azure instead of the local backend")
	bucket := fs.String("bucket", "b", "bucket id")
	stream := fs.String("stream", "s1", "stream id")
	sequence := fs.Uint("sequence", 1, "commit sequence")
	revision := fs.Uint("revision", 1, "stream revision")
	event := fs.String("event", "hello", "event body")
	fs.Parse(args)

	eng, log, err := buildEngine(*dataDir, *container, *azureURL)
	if err != nil {
		fatal(err)
	}
	defer log.Close()
	defer eng.Dispose()

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		fatal(err)
	}

	commit, err := eng.Commit(ctx, engine.CommitAttempt{
		BucketID:       *bucket,
		StreamID:       *stream,
		CommitID:       uuid.New(),
		CommitSequence: uint32(*sequence),
		StreamRevision: uint32(*revision),
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte(*event)},
	})
	if err != nil {
		fatal(err)
	}

	printJSON(commit)
}

func runUndispatched(args []string) {
	fs := flag.NewFlagSet("undispatched", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./evsrc-data", "local backend data directory")
	container := fs.String("container", "demo", "container name")
	azureURL := fs.String("azure-service-url", "", "azure blob service URL; when set, talks to Azure instead of the local backend")
	fs.Parse(args)

	eng, log, err := buildEngine(*dataDir, *container, *azureURL)
	if err != nil {
		fatal(err)
	}
	defer log.Close()
	defer eng.Dispose()

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		fatal(err)
	}

	commits, err := eng.GetUndispatched(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(commits)
}

func runDispatch(args []string) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./evsrc-data", "local backend data directory")
	container := fs.String("container", "demo", "container name")
	azureURL := fs.String("azure-service-url", "", "azure blob service URL; when set, talks to Azure instead of the local backend")
	bucket := fs.String("bucket", "b", "bucket id")
	stream := fs.String("stream", "s1", "stream id")
	commitID := fs.String("commit-id", "", "commit id to mark dispatched")
	checkpoint := fs.Uint64("checkpoint", 0, "commit checkpoint")
	fs.Parse(args)

	if *commitID == "" {
		fatal(fmt.Errorf("-commit-id is required"))
	}
	id, err := uuid.Parse(*commitID)
	if err != nil {
		fatal(err)
	}

	eng, log, err := buildEngine(*dataDir, *container, *azureURL)
	if err != nil {
		fatal(err)
	}
	defer log.Close()
	defer eng.Dispose()

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		fatal(err)
	}

	err = eng.MarkCommitDispatched(ctx, engine.Commit{
		BucketID:   *bucket,
		StreamID:   *stream,
		CommitID:   id,
		Checkpoint: *checkpoint,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Println("ok")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "evsrc-ctl:", err)
	os.Exit(1)
}
