// Command event-archive exports the order event log to a gzip-compressed
// NDJSON file, or replays such a file into the read store to rebuild the
// order projection.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/order-cqrs/db"
	"github.com/xenking/order-cqrs/internal/archive"
	"github.com/xenking/order-cqrs/internal/projection"
	"github.com/xenking/order-cqrs/internal/storage/postgres"
)

const (
	modeExport = "export"
	modeReplay = "replay"
)

func main() {
	var (
		mode        string
		file        string
		databaseURL string
		batch       int
	)

	flag.StringVar(&mode, "mode", modeExport, "export the event log or replay an archive into the read store")
	flag.StringVar(&file, "file", "events.ndjson.gz", "archive path")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL URL of the write store on export or the read store on replay (or DATABASE_URL env)")
	flag.IntVar(&batch, "batch", 1000, "rows read per query on export")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch mode {
	case modeExport:
		err = export(ctx, file, databaseURL, batch)
	case modeReplay:
		err = replay(ctx, file, databaseURL)
	default:
		err = errors.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		slog.Error("event archive failed", slog.String("mode", mode), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func export(ctx context.Context, path, databaseURL string, batch int) (rerr error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if err := f.Close(); err != nil && rerr == nil {
			rerr = errors.Wrapf(err, "close %s", path)
		}
	}()

	slog.Info("exporting event log", slog.String("file", path))
	n, err := archive.Export(ctx, f, postgres.NewOutboxStore(pool), batch)
	if err != nil {
		return err
	}
	slog.Info("export complete", slog.Int("events", n))
	return nil
}

func replay(ctx context.Context, path, databaseURL string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, db.ReadSchema); err != nil {
		return errors.Wrap(err, "migrate read store")
	}
	projector, err := projection.New(postgres.NewViewStore(pool), projection.Options{})
	if err != nil {
		return errors.Wrap(err, "create projector")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	slog.Info("replaying archive", slog.String("file", path))
	n, err := archive.Replay(ctx, f, projector.Handle)
	if err != nil {
		return err
	}
	slog.Info("replay complete", slog.Int("events", n))
	return nil
}
