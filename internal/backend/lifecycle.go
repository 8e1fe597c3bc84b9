package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agenthub-ai/agenthub/internal/logger"
)

const maxSettleDelay = 5 * time.Second

// Lifecycle opens and tears down connection sets. OpenAll is all-or-nothing;
// CloseAll always completes, collecting recoverable errors on the way out.
type Lifecycle struct {
	client *http.Client
	settle time.Duration
	log    *logger.Logger
}

// NewLifecycle creates a lifecycle manager. timeout bounds each backend HTTP
// request; settle is the pause after tearing down a non-empty connection set.
func NewLifecycle(timeout, settle time.Duration) *Lifecycle {
	if settle < 0 {
		settle = 0
	}
	if settle > maxSettleDelay {
		settle = maxSettleDelay
	}
	return &Lifecycle{
		client: &http.Client{Timeout: timeout},
		settle: settle,
		log:    logger.Global().WithPrefix("lifecycle"),
	}
}

// HTTPClient returns the shared client used for backend requests.
func (m *Lifecycle) HTTPClient() *http.Client {
	return m.client
}

// OpenAll dials and initializes one connection per descriptor concurrently.
// If any dial fails, every connection that did open is closed and only the
// error is returned.
func (m *Lifecycle) OpenAll(ctx context.Context, descriptors []Descriptor) ([]*Connection, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	conns := make([]*Connection, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range descriptors {
		g.Go(func() error {
			conn, err := Dial(gctx, desc, m.client)
			if err != nil {
				return fmt.Errorf("opening backend %q: %w", desc.Name, err)
			}
			conns[i] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		opened := make([]*Connection, 0, len(conns))
		for _, conn := range conns {
			if conn != nil {
				opened = append(opened, conn)
			}
		}
		if closeErr := m.CloseAll(opened); closeErr != nil {
			m.log.Warn("cleanup after failed open: %v", closeErr)
		}
		return nil, err
	}

	m.log.Debug("opened %d backend connections", len(conns))
	return conns, nil
}

// CloseAll closes every connection, never stopping early. Recoverable close
// errors are joined and returned. After tearing down a non-empty set, a
// bounded settle pause lets in-flight transport work drain before the caller
// reopens.
func (m *Lifecycle) CloseAll(conns []*Connection) error {
	var errs []error
	closed := 0
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend %q: %w", conn.Name(), err))
			continue
		}
		closed++
	}

	if closed > 0 && m.settle > 0 {
		time.Sleep(m.settle)
	}

	return errors.Join(errs...)
}
