// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailqueuectl inspects and repairs the queues of a running deployment.
//
// It talks to the broker and blob store named in the service
// configuration, so it sees exactly what the service sees.
//
// Usage:
//
//	mailqueuectl [--queue spool] size
//	mailqueuectl [--queue spool] browse [--limit 50]
//	mailqueuectl [--queue spool] flush
//	mailqueuectl [--queue spool] clear
//	mailqueuectl [--queue spool] remove --name|--sender|--recipient <value>
//	mailqueuectl blobs [--older-than 72h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailqueue/internal/blob/filestore"
	"github.com/bcem/mailqueue/internal/blob/pgstore"
	"github.com/bcem/mailqueue/internal/broker/redisbroker"
	"github.com/bcem/mailqueue/internal/config"
	"github.com/bcem/mailqueue/internal/queue"
)

var errUsage = errors.New("usage")

func main() {
	// Structured JSON logging on stderr; results go to stdout
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	queueFlag := flag.String("queue", "", "Queue to operate on (default: first configured queue)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := run(ctx, os.Stdout, *queueFlag, flag.Arg(0), flag.Args()[1:])
	if errors.Is(err, errUsage) {
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: mailqueuectl [--queue name] <size|browse|flush|clear|remove|blobs> [flags]\n\n")
	flag.PrintDefaults()
}

func run(ctx context.Context, out io.Writer, queueName, cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Broker != config.BrokerRedis {
		return fmt.Errorf("broker %q is in-process; there is nothing to inspect from outside", cfg.Broker)
	}
	if queueName == "" {
		queueName = cfg.Queues[0]
	}

	if cmd == "blobs" {
		return listBlobs(ctx, out, cfg, args)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rb := redisbroker.New(redis.NewClient(opt),
		redisbroker.WithPrefix(cfg.RedisPrefix),
		redisbroker.WithLeaseTimeout(cfg.LeaseTimeout),
		redisbroker.WithCloseClient(),
	)
	if err := rb.Ping(ctx); err != nil {
		rb.Close()
		return fmt.Errorf("connect to Redis: %w", err)
	}

	opts := []queue.Option{queue.WithDrainWait(cfg.DrainWait)}
	body, closeBody, err := openBody(ctx, cfg)
	if err != nil {
		rb.Close()
		return err
	}
	if body != nil {
		opts = append(opts, queue.WithBody(body))
		defer closeBody()
	}

	factory := queue.NewFactory(rb, opts...)
	defer factory.Close()
	q, err := factory.Get(queueName)
	if err != nil {
		return err
	}
	return runQueueCommand(ctx, out, q, cmd, args)
}

// openBody opens the configured blob store so that clear and remove
// delete externalized bodies too.
func openBody(ctx context.Context, cfg *config.Config) (queue.BodyStrategy, func(), error) {
	switch cfg.Blob.Store {
	case config.BlobFile:
		store, err := filestore.New(cfg.Blob.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open blob directory: %w", err)
		}
		return queue.BlobBody(store, cfg.Blob.Threshold), func() {}, nil
	case config.BlobPostgres:
		pool, err := pgxpool.New(ctx, cfg.Blob.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		store, err := pgstore.NewStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return queue.BlobBody(store, cfg.Blob.Threshold), pool.Close, nil
	}
	return nil, nil, nil
}

func runQueueCommand(ctx context.Context, out io.Writer, q *queue.Queue, cmd string, args []string) error {
	switch cmd {
	case "size":
		n, err := q.Size(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", q.Name(), n)
		return nil

	case "browse":
		fs := flag.NewFlagSet("browse", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "Maximum number of mails to list")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		return browse(ctx, out, q, *limit)

	case "flush":
		n, err := q.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "flushed %d mails in %s\n", n, q.Name())
		return nil

	case "clear":
		n, err := q.Clear(ctx)
		fmt.Fprintf(out, "removed %d mails from %s\n", n, q.Name())
		return err

	case "remove":
		by, value, err := parseRemove(args)
		if err != nil {
			return err
		}
		n, err := q.Remove(ctx, by, value)
		fmt.Fprintf(out, "removed %d mails from %s (%s=%s)\n", n, q.Name(), by, value)
		return err
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func parseRemove(args []string) (queue.Criterion, string, error) {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	fs.String("name", "", "Remove the mail with this name")
	fs.String("sender", "", "Remove mails from this sender")
	fs.String("recipient", "", "Remove mails with this recipient")
	if err := fs.Parse(args); err != nil {
		return 0, "", errUsage
	}

	var (
		by    queue.Criterion
		value string
		set   int
	)
	fs.Visit(func(f *flag.Flag) {
		c, err := queue.ParseCriterion(f.Name)
		if err == nil {
			by, value = c, f.Value.String()
			set++
		}
	})
	if set != 1 {
		return 0, "", fmt.Errorf("%w: remove needs exactly one of --name, --sender, --recipient", errUsage)
	}
	return by, value, nil
}

func browse(ctx context.Context, out io.Writer, q *queue.Queue, limit int) error {
	cur, err := q.Browse(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSENDER\tRECIPIENTS\tSTATE\tNEXT DELIVERY")
	for i := 0; i < limit; i++ {
		item, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			break
		}
		m := item.Mail
		rcpts := make([]string, len(m.Recipients))
		for j, r := range m.Recipients {
			rcpts[j] = r.String()
		}
		next := "-"
		switch {
		case item.Forced:
			next = "now (flushed)"
		case !item.NextDelivery.IsZero():
			next = item.NextDelivery.UTC().Format(time.RFC3339)
		}
		sender := m.Sender.String()
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name, sender, strings.Join(rcpts, ","), m.State, next)
	}
	return tw.Flush()
}

// listBlobs reports stored bodies older than a cutoff. Bodies that old are
// usually orphans of producers that crashed between upload and send.
func listBlobs(ctx context.Context, out io.Writer, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("blobs", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 72*time.Hour, "Only list bodies stored longer ago than this")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if cfg.Blob.Store != config.BlobPostgres {
		return fmt.Errorf("listing bodies needs the %q blob store, configured is %q", config.BlobPostgres, cfg.Blob.Store)
	}

	pool, err := pgxpool.New(ctx, cfg.Blob.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	defer pool.Close()
	store, err := pgstore.NewStore(ctx, pool)
	if err != nil {
		return err
	}
	records, err := store.ListOlderThan(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATOR\tSIZE\tSTORED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Locator(), r.Size, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
