package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/transport"
)

const usage = `Usage: sheetpubctl [-url URL] [-api-key KEY] <command> [flags]

Commands:
  quorum                                         show the quorum the instance computes
  propose-snapshot --version=V --hash=H [--signature=S]
  propose-diff --from=F --to=T --hash=H
  vote --proposal=ID --voter=ID [--vote=accept|reject]
                                                 vote on a proposal held by the instance
  leader                                         show the instance's view of the leader
  journal                                        dump the redacted journal
  drift                                          show clock drift against the leader
  lock --resource=R [--ttl=D]                    acquire a lock on the leader
  unlock --resource=R                            release a lock on the leader
`

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("sheetpubctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }

	url := global.String("url", envOr("SHEETPUB_URL", "http://127.0.0.1:7100/distributed/sync"), "Sync URL of the instance to talk to")
	apiKey := global.String("api-key", os.Getenv("SHEETPUB_API_KEY"), "API key for authentication")
	timeout := global.Duration("timeout", 10*time.Second, "Request timeout")

	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	client := transport.NewClient(config.TransportConfig{
		HealthTimeout:    *timeout,
		HeartbeatTimeout: *timeout,
		RequestTimeout:   *timeout,
		APIKey:           *apiKey,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, rest := global.Arg(0), global.Args()[1:]
	out, err := execute(ctx, client, *url, cmd, rest, stderr)
	if errors.Is(err, errUsage) {
		return 2
	}
	if err != nil {
		if reason := transport.ReasonOf(err); reason != "" {
			fmt.Fprintf(stderr, "%s failed: %s\n", cmd, reason)
		} else {
			fmt.Fprintf(stderr, "%s failed: %v\n", cmd, err)
		}
		return 1
	}

	if out != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "failed to write output: %v\n", err)
			return 1
		}
	}
	return 0
}

func execute(ctx context.Context, c *transport.Client, url, cmd string, args []string, stderr io.Writer) (interface{}, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch cmd {
	case "quorum":
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		return c.Quorum(ctx, url)

	case "propose-snapshot":
		version := fs.String("version", "", "Snapshot version (required)")
		hash := fs.String("hash", "", "Snapshot content hash (required)")
		signature := fs.String("signature", "", "Optional signature")
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		req := models.ProposeSnapshotRequest{Version: *version, Hash: *hash, Signature: *signature}
		if err := req.Validate(); err != nil {
			fmt.Fprintln(stderr, err)
			return nil, errUsage
		}
		return c.ProposeSnapshot(ctx, url, req)

	case "propose-diff":
		from := fs.String("from", "", "Base version (required)")
		to := fs.String("to", "", "Target version (required)")
		hash := fs.String("hash", "", "Diff content hash (required)")
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		req := models.ProposeDiffRequest{From: *from, To: *to, Hash: *hash}
		if err := req.Validate(); err != nil {
			fmt.Fprintln(stderr, err)
			return nil, errUsage
		}
		return c.ProposeDiff(ctx, url, req)

	case "vote":
		proposal := fs.String("proposal", "", "Proposal id (required)")
		voter := fs.String("voter", "", "Voting instance id (required)")
		vote := fs.String("vote", string(events.DecisionAccept), "accept or reject")
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		req := models.VoteRequest{ProposalID: *proposal, VoterID: *voter, Vote: events.Decision(*vote)}
		if err := req.Validate(); err != nil {
			fmt.Fprintln(stderr, err)
			return nil, errUsage
		}
		return c.SendVote(ctx, url, req)

	case "leader":
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		return c.Leader(ctx, url)

	case "journal":
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		return c.Journal(ctx, url)

	case "drift":
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		return c.Drift(ctx, url)

	case "lock":
		resource := fs.String("resource", "", "Resource to lock (required)")
		ttl := fs.Duration("ttl", 0, "Lock TTL (default: server lock_ttl)")
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		if *resource == "" || *ttl < 0 {
			fmt.Fprintln(stderr, "lock requires --resource and a non-negative --ttl")
			return nil, errUsage
		}
		return c.AcquireLock(ctx, url, *resource, *ttl)

	case "unlock":
		resource := fs.String("resource", "", "Resource to unlock (required)")
		if err := parse(fs, args); err != nil {
			return nil, err
		}
		if *resource == "" {
			fmt.Fprintln(stderr, "unlock requires --resource")
			return nil, errUsage
		}
		if err := c.ReleaseLock(ctx, url, *resource); err != nil {
			return nil, err
		}
		return map[string]interface{}{"released": *resource}, nil

	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return nil, errUsage
	}
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return errUsage
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
