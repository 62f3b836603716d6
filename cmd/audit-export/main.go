// Command audit-export archives the audit trail as gzip-compressed JSON lines.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/storage/postgres"
)

const (
	defaultPageSize = 500
	progressEvery   = 10_000
	gzipBlockSize   = 1 << 20
)

func main() {
	var (
		databaseURL string
		out         string
		from, to    string
		action      string
		pageSize    int
		verify      string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&out, "out", "", "output file (default audit-<timestamp>.jsonl.gz)")
	flag.StringVar(&from, "from", "", "export entries at or after this RFC 3339 time or date")
	flag.StringVar(&to, "to", "", "export entries before this RFC 3339 time or date")
	flag.StringVar(&action, "action", "", "export only this action")
	flag.IntVar(&pageSize, "page-size", defaultPageSize, "entries fetched per query")
	flag.StringVar(&verify, "verify", "", "count the entries of an existing archive and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if verify != "" {
		n, err := countArchive(ctx, verify)
		if err != nil {
			slog.Error("verify failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("archive verified", slog.String("path", verify), slog.Int("entries", n))
		return
	}

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	f := audit.Filter{Action: action}
	var err error
	if f.From, err = parseTime(from); err != nil {
		slog.Error("invalid --from", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if f.To, err = parseTime(to); err != nil {
		slog.Error("invalid --to", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if out == "" {
		out = "audit-" + time.Now().UTC().Format("20060102150405") + ".jsonl.gz"
	}

	if err := run(ctx, databaseURL, out, f, pageSize); err != nil {
		slog.Error("audit export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("audit export completed successfully", slog.String("path", out))
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func run(ctx context.Context, databaseURL, out string, f audit.Filter, pageSize int) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	// Write next to the target and rename, so a partial archive never
	// replaces a complete one.
	tmp, err := os.CreateTemp(filepath.Dir(out), ".audit-export-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := export(ctx, postgres.NewAuditRepository(pool), tmp, f, pageSize)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return errors.Wrap(err, "rename archive")
	}

	slog.Info("entries exported", slog.Int("count", n))
	return nil
}

// export pages through src and writes every matching entry to w as one JSON
// object per line, gzip-compressed. Fetching and compressing run
// concurrently.
func export(ctx context.Context, src audit.Reader, w io.Writer, f audit.Filter, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	// Readers cap oversized pages; a short page must mean the end.
	pageSize = sale.EffectiveLimit(pageSize)
	pages := make(chan []audit.Entry, 4)
	written := 0

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pages)
		return fetchPages(ctx, src, f, pageSize, pages)
	})
	g.Go(func() error {
		n, err := writeArchive(ctx, w, pages)
		written = n
		return err
	})

	if err := g.Wait(); err != nil {
		return written, err
	}
	return written, nil
}

func fetchPages(ctx context.Context, src audit.Reader, f audit.Filter, pageSize int, pages chan<- []audit.Entry) error {
	f.Limit = pageSize
	for {
		page, err := src.Logs(ctx, f)
		if err != nil {
			return errors.Wrap(err, "read audit page")
		}
		if len(page) == 0 {
			return nil
		}
		select {
		case pages <- page:
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		f.After = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func writeArchive(ctx context.Context, w io.Writer, pages <-chan []audit.Entry) (int, error) {
	gz, err := pgzip.NewWriterLevel(w, pgzip.BestCompression)
	if err != nil {
		return 0, errors.Wrap(err, "create gzip writer")
	}
	if err := gz.SetConcurrency(gzipBlockSize, 4); err != nil {
		return 0, errors.Wrap(err, "configure gzip writer")
	}

	var (
		e     jx.Encoder
		count int
	)
	for page := range pages {
		if err := ctx.Err(); err != nil {
			_ = gz.Close()
			return count, err
		}
		for i := range page {
			e.Reset()
			encodeEntry(&e, &page[i])
			if _, err := gz.Write(append(e.Bytes(), '\n')); err != nil {
				_ = gz.Close()
				return count, errors.Wrap(err, "write entry")
			}
			count++
			if count%progressEvery == 0 {
				slog.Info("export progress", slog.Int("entries", count))
			}
		}
	}
	if err := gz.Close(); err != nil {
		return count, errors.Wrap(err, "flush gzip writer")
	}
	return count, nil
}

func encodeEntry(e *jx.Encoder, a *audit.Entry) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(a.ID) })
	e.Field("actorId", func(e *jx.Encoder) { e.Str(a.ActorID) })
	e.Field("action", func(e *jx.Encoder) { e.Str(a.Action) })
	e.Field("resourceType", func(e *jx.Encoder) { e.Str(a.ResourceType) })
	e.Field("resourceId", func(e *jx.Encoder) { e.Str(a.ResourceID) })
	e.Field("outcome", func(e *jx.Encoder) { e.Str(string(a.Outcome)) })
	e.Field("details", func(e *jx.Encoder) {
		e.ObjStart()
		for k, v := range a.Details {
			e.Field(k, func(e *jx.Encoder) { e.Str(v) })
		}
		e.ObjEnd()
	})
	e.Field("remoteAddr", func(e *jx.Encoder) { e.Str(a.RemoteAddr) })
	e.Field("createdAt", func(e *jx.Encoder) { e.Str(a.CreatedAt.UTC().Format(time.RFC3339Nano)) })
	e.ObjEnd()
}

// countArchive counts the entries of an archive, checking that every line is
// a JSON object.
func countArchive(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()
	return countEntries(ctx, f)
}

func countEntries(ctx context.Context, r io.Reader) (int, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return 0, errors.Wrap(err, "create gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := jx.DecodeBytes(scanner.Bytes()).Obj(func(d *jx.Decoder, _ string) error {
			return d.Skip()
		}); err != nil {
			return n, errors.Wrapf(err, "line %d", n+1)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, errors.Wrap(err, "scan archive")
	}
	return n, nil
}
