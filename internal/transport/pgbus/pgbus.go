// Package pgbus implements transport.Transport on top of PostgreSQL
// LISTEN/NOTIFY. Topics map to notification channels with the same name.
//
// NOTIFY is not durable: a message published while a listener reconnects
// is lost for that listener.
package pgbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CZERTAINLY/TaskRunner/internal/transport"
)

// MaxPayload is the largest message NOTIFY accepts.
const MaxPayload = 7999

var ErrPayloadTooLarge = errors.New("payload too large for NOTIFY")

type Bus struct {
	pool         *pgxpool.Pool
	buffer       int
	buildBackoff func() backoff.BackOff

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type Option func(*Bus)

// WithBackOff sets the retry policy used by Publish and by listeners which
// lost their connection. A listener retries until it is stopped, whatever
// MaxElapsedTime says.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(b *Bus) {
		if factory != nil {
			b.buildBackoff = factory
		}
	}
}

// WithBuffer sets the channel buffer of every subscription.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		b.buffer = max(n, 0)
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// New connects to the database at url.
func New(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &Bus{
		pool:         pool,
		buffer:       16,
		buildBackoff: defaultBackOff,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, msg []byte) error {
	if len(msg) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg))
	}
	if b.closed() {
		return transport.ErrClosed
	}
	notify := func() error {
		_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(msg))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// rejected by the server, retrying would not help
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "publish failed, retrying", "topic", topic, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(notify, backoff.WithContext(b.buildBackoff(), ctx), onRetry); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if b.closed() {
		return nil, transport.ErrClosed
	}
	conn, err := b.listen(ctx, topic)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, b.buffer)
	b.wg.Go(func() {
		defer close(ch)
		b.loop(ctx, topic, conn, ch)
	})
	return ch, nil
}

func (b *Bus) listen(ctx context.Context, topic string) (*pgxpool.Conn, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		release(conn)
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}
	return conn, nil
}

func (b *Bus) loop(ctx context.Context, topic string, conn *pgxpool.Conn, ch chan<- []byte) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		release(conn)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "listener lost connection", "topic", topic, "error", err)
			release(conn)
			conn, err = b.reconnect(ctx, topic)
			if err != nil {
				return
			}
			continue
		}
		select {
		case ch <- []byte(n.Payload):
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) reconnect(ctx context.Context, topic string) (*pgxpool.Conn, error) {
	policy := b.buildBackoff()
	if exp, ok := policy.(*backoff.ExponentialBackOff); ok {
		exp.MaxElapsedTime = 0
	}
	onRetry := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "listen failed, retrying", "topic", topic, "wait", wait, "error", err)
	}
	conn, err := backoff.RetryNotifyWithData(func() (*pgxpool.Conn, error) {
		return b.listen(ctx, topic)
	}, backoff.WithContext(policy, ctx), onRetry)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "listener reconnected", "topic", topic)
	return conn, nil
}

// release drops a listening connection instead of returning it to the pool,
// the session would keep receiving notifications otherwise.
func release(conn *pgxpool.Conn) {
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Conn().Close(ctx)
	conn.Release()
}

func (b *Bus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close stops all listeners and closes the pool.
func (b *Bus) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}
