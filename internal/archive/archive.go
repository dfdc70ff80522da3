// Package archive streams the order event log to and from gzip-compressed
// NDJSON, one event envelope per line.
package archive

import (
	"bufio"
	"context"
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/order-cqrs/internal/broker"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/outbox"
)

// maxLine bounds one encoded envelope.
const maxLine = 4 << 20

// Log is a durable event log that can be walked in commit order.
type Log interface {
	Scan(ctx context.Context, batch int, fn func(outbox.Record) error) error
}

// Export writes every event of log to w and returns how many were written.
func Export(ctx context.Context, w io.Writer, log Log, batch int) (int, error) {
	gz := pgzip.NewWriter(w)

	var (
		enc jx.Encoder
		n   int
	)
	err := log.Scan(ctx, batch, func(rec outbox.Record) error {
		enc.Reset()
		rec.Event.Encode(&enc)
		line := append(enc.Bytes(), '\n')
		if _, err := gz.Write(line); err != nil {
			return errors.Wrapf(err, "write event %s", rec.Event.EventID)
		}
		n++
		return nil
	})
	if err != nil {
		_ = gz.Close()
		return n, errors.Wrap(err, "scan event log")
	}
	if err := gz.Close(); err != nil {
		return n, errors.Wrap(err, "flush archive")
	}
	return n, nil
}

// Replay feeds every archived event in r to h in file order and returns how
// many were handled. Blank lines are skipped.
func Replay(ctx context.Context, r io.Reader, h broker.Handler) (int, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return 0, errors.Wrap(err, "open archive")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLine)

	var (
		n    int
		line int
	)
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var env event.Envelope
		if err := env.Decode(jx.DecodeBytes(raw)); err != nil {
			return n, errors.Wrapf(err, "decode line %d", line)
		}
		if err := env.Validate(); err != nil {
			return n, errors.Wrapf(err, "line %d", line)
		}
		if err := h(ctx, env); err != nil {
			return n, errors.Wrapf(err, "handle event %s", env.EventID)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, errors.Wrap(err, "read archive")
	}
	return n, nil
}
